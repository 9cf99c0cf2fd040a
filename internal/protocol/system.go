package protocol

// Ping checks that the server is alive. Empty payload.
type Ping struct{}

func (Ping) Code() uint32 {
	return PingCode
}

func (Ping) Validate() error {
	return nil
}

func (Ping) Bytes() []byte {
	return []byte{}
}

func (Ping) command() {}

// GetStats requests a statistics snapshot. Empty payload.
type GetStats struct{}

func (GetStats) Code() uint32 {
	return GetStatsCode
}

func (GetStats) Validate() error {
	return nil
}

func (GetStats) Bytes() []byte {
	return []byte{}
}

func (GetStats) command() {}

// SaveMessages persists every partition's unsaved buffer. It is produced by
// the persistence scheduler only; Decode rejects its code.
type SaveMessages struct {
	EnforceFsync bool
}

func (SaveMessages) Code() uint32 {
	return SaveMessagesCode
}

func (SaveMessages) Validate() error {
	return nil
}

func (c SaveMessages) Bytes() []byte {
	return []byte{boolByte(c.EnforceFsync)}
}

func (SaveMessages) command() {}
