package compute

import (
	"github.com/JakeFAU/gridcrawler/internal/grid/messenger"
)

// Messenger task names used by compute.
const (
	topicStart  = "compute.start"
	topicResult = "compute.result"
	topicDone   = "compute.done"
	topicStop   = "compute.stop"
	topicJoin   = "compute.join"
)

type startMsg struct {
	Run  string `msgpack:"run"`
	Name string `msgpack:"name"`
}

func (*startMsg) PayloadType() string { return topicStart }

type resultMsg struct {
	Run    string `msgpack:"run"`
	Name   string `msgpack:"name"`
	Result any    `msgpack:"result"`
	Err    string `msgpack:"err,omitempty"`
}

func (*resultMsg) PayloadType() string { return topicResult }

type doneMsg struct {
	Run    string `msgpack:"run"`
	Name   string `msgpack:"name"`
	Result any    `msgpack:"result"`
	Err    string `msgpack:"err,omitempty"`
}

func (*doneMsg) PayloadType() string { return topicDone }

type stopMsg struct {
	Name string `msgpack:"name"`
}

func (*stopMsg) PayloadType() string { return topicStop }

type joinMsg struct {
	Name string `msgpack:"name"`
}

func (*joinMsg) PayloadType() string { return topicJoin }

func registerPayloads(c *messenger.Codec) {
	c.Register(func() messenger.Payload { return &startMsg{} })
	c.Register(func() messenger.Payload { return &resultMsg{} })
	c.Register(func() messenger.Payload { return &doneMsg{} })
	c.Register(func() messenger.Payload { return &stopMsg{} })
	c.Register(func() messenger.Payload { return &joinMsg{} })
}

// RemoteError carries a task failure reported by another node.
type RemoteError struct {
	Node    string
	Message string
}

func (e *RemoteError) Error() string {
	return "node " + e.Node + ": " + e.Message
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
