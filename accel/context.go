package accel

import "github.com/sirupsen/logrus"

// streamQueueDepth bounds how many submissions a stream can have buffered
// before Submit blocks; generous enough that the scheduler's per-tick
// fan-out never stalls on stream capacity alone.
const streamQueueDepth = 64

// Context owns one accelerator's six logical streams plus its
// tensor-parallel rank/size, for collective bookkeeping. Streams are closed
// in the reverse of construction order.
type Context struct {
	Index int
	Rank  int
	Size  int

	streams [numStreams]*Stream
}

// NewContext constructs all six streams for one accelerator. rank/size
// configure tensor-parallel collective bookkeeping only — no real collective
// communication runs in this repository (distributed multi-host coordination
// is explicitly out of scope; tensor-parallel rank bookkeeping is not).
func NewContext(index, rank, size int) *Context {
	c := &Context{Index: index, Rank: rank, Size: size}
	for i := StreamName(0); i < numStreams; i++ {
		c.streams[i] = newStream(i, streamQueueDepth)
	}
	logrus.Infof("accel.NewContext: accelerator=%d rank=%d size=%d", index, rank, size)
	return c
}

// Stream returns the named logical stream.
func (c *Context) Stream(name StreamName) *Stream { return c.streams[name] }

// Close tears down all streams in reverse construction order.
func (c *Context) Close() {
	for i := int(numStreams) - 1; i >= 0; i-- {
		c.streams[i].Close()
	}
}

// Group owns one Context per accelerator, indexed 0..T-1.
type Group struct {
	Contexts []*Context
}

// NewGroup constructs T per-accelerator contexts for a tensor-parallel group
// of size T (size == tensor_para_size from configuration).
func NewGroup(tensorParaSize int) *Group {
	g := &Group{Contexts: make([]*Context, tensorParaSize)}
	for i := 0; i < tensorParaSize; i++ {
		g.Contexts[i] = NewContext(i, i, tensorParaSize)
	}
	return g
}

// Close tears down every accelerator's context.
func (g *Group) Close() {
	for _, ctx := range g.Contexts {
		ctx.Close()
	}
}
