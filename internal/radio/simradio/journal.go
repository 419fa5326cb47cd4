package simradio

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/blehost/internal/bt"
)

// Command is one journaled radio call.
type Command struct {
	Name     string    `json:"name"`
	Opcode   bt.Opcode `json:"opcode,omitempty"`
	Handle   *uint8    `json:"handle,omitempty"`
	Fragment string    `json:"fragment,omitempty"`
	Length   int       `json:"length,omitempty"`
	Enable   *bool     `json:"enable,omitempty"`
	Address  string    `json:"address,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Data     []byte    `json:"-"`
}

func (c Command) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	if c.Handle != nil {
		fmt.Fprintf(&b, " handle=%d", *c.Handle)
	}
	if c.Fragment != "" {
		fmt.Fprintf(&b, " op=%s", c.Fragment)
	}
	if c.Length > 0 {
		fmt.Fprintf(&b, " len=%d", c.Length)
	}
	if c.Enable != nil {
		fmt.Fprintf(&b, " enable=%t", *c.Enable)
	}
	if c.Address != "" {
		fmt.Fprintf(&b, " addr=%s", c.Address)
	}
	if c.Detail != "" {
		fmt.Fprintf(&b, " %s", c.Detail)
	}
	return b.String()
}

func handlePtr(h uint8) *uint8 { return &h }
func boolPtr(b bool) *bool     { return &b }

// journal is a bounded command log; the oldest commands are overwritten.
type journal struct {
	buffer      mpmc.RichOverlappedRingBuffer[Command]
	overwritten atomic.Int64
}

func newJournal(capacity uint32) *journal {
	return &journal{buffer: mpmc.NewOverlappedRingBuffer[Command](capacity)}
}

func (j *journal) record(c Command) {
	overwrites, err := j.buffer.EnqueueM(c)
	if err == nil && overwrites > 0 {
		j.overwritten.Add(int64(overwrites))
	}
}

// drain removes and returns every journaled command in order.
func (j *journal) drain() []Command {
	var out []Command
	for !j.buffer.IsEmpty() {
		c, err := j.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, c)
	}
	return out
}
