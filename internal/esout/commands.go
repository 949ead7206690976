package esout

import "time"

// CommandType names a command for logging and metrics.
type CommandType string

const (
	CommandAddTrack            CommandType = "add_track"
	CommandSend                CommandType = "send"
	CommandRemoveTrack         CommandType = "remove_track"
	CommandSetClockReference   CommandType = "set_clock_reference"
	CommandResetClockReference CommandType = "reset_clock_reference"
	CommandTeardown            CommandType = "teardown"
	CommandGC                  CommandType = "gc"
)

// Command is a deferred output mutation.
type Command interface {
	Type() CommandType
	// Time is the media time the command belongs to, or NoTimestamp.
	Time() time.Duration
	// Track is the identity the command refers to, if any.
	Track() *TrackID
	// Apply performs the command against the real output.
	Apply(out Output)
}

// AddTrackCommand realizes a track identity on the real output.
type AddTrackCommand struct {
	id    *TrackID
	proxy *ProxyOutput
}

func (c *AddTrackCommand) Type() CommandType   { return CommandAddTrack }
func (c *AddTrackCommand) Time() time.Duration { return NoTimestamp }
func (c *AddTrackCommand) Track() *TrackID     { return c.id }
func (c *AddTrackCommand) Apply(out Output)    { c.proxy.realize(out, c.id) }

// SendCommand delivers one block.
type SendCommand struct {
	id    *TrackID
	block *Block
	proxy *ProxyOutput
}

func (c *SendCommand) Type() CommandType   { return CommandSend }
func (c *SendCommand) Time() time.Duration { return c.block.Time() }
func (c *SendCommand) Track() *TrackID     { return c.id }
func (c *SendCommand) Apply(out Output) {
	if h, ok := c.proxy.handleOf(c.id); ok {
		out.Send(h, c.block)
	}
}

// Block returns the block the command carries.
func (c *SendCommand) Block() *Block { return c.block }

// RemoveTrackCommand deletes a track from the real output.
type RemoveTrackCommand struct {
	id    *TrackID
	proxy *ProxyOutput
}

func (c *RemoveTrackCommand) Type() CommandType   { return CommandRemoveTrack }
func (c *RemoveTrackCommand) Time() time.Duration { return NoTimestamp }
func (c *RemoveTrackCommand) Track() *TrackID     { return c.id }
func (c *RemoveTrackCommand) Apply(out Output)    { c.proxy.remove(out, c.id) }

// SetClockReferenceCommand advances the output clock of a group.
type SetClockReferenceCommand struct {
	group int
	t     time.Duration
}

func (c *SetClockReferenceCommand) Type() CommandType   { return CommandSetClockReference }
func (c *SetClockReferenceCommand) Time() time.Duration { return c.t }
func (c *SetClockReferenceCommand) Track() *TrackID     { return nil }
func (c *SetClockReferenceCommand) Apply(out Output)    { out.SetClockReference(c.group, c.t) }

// ResetClockReferenceCommand resets the output clock of a group.
type ResetClockReferenceCommand struct {
	group int
}

func (c *ResetClockReferenceCommand) Type() CommandType   { return CommandResetClockReference }
func (c *ResetClockReferenceCommand) Time() time.Duration { return NoTimestamp }
func (c *ResetClockReferenceCommand) Track() *TrackID     { return nil }
func (c *ResetClockReferenceCommand) Apply(out Output)    { out.ResetClockReference(c.group) }

// TeardownCommand removes every track the proxy realized.
type TeardownCommand struct {
	proxy *ProxyOutput
}

func (c *TeardownCommand) Type() CommandType   { return CommandTeardown }
func (c *TeardownCommand) Time() time.Duration { return NoTimestamp }
func (c *TeardownCommand) Track() *TrackID     { return nil }
func (c *TeardownCommand) Apply(out Output)    { c.proxy.teardown(out) }

// GCCommand removes recycled tracks no new identity matched.
type GCCommand struct {
	proxy *ProxyOutput
}

func (c *GCCommand) Type() CommandType   { return CommandGC }
func (c *GCCommand) Time() time.Duration { return NoTimestamp }
func (c *GCCommand) Track() *TrackID     { return nil }
func (c *GCCommand) Apply(out Output)    { c.proxy.collect(out) }
