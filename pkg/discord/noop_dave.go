package discord

// noopDaveSession is the passthrough stand-in for davey's MLS engine:
// it never encrypts and never reports a protocol version above 0, so a
// mirror built without a real DaveSession still streams, just without
// Discord's end-to-end voice encryption. SPEC_FULL.md treats the MLS
// engine as a genuine third-party collaborator reachable only through
// DaveSession; this is the seam's default wiring until one is plugged
// in, not a reimplementation of MLS.
type noopDaveSession struct{}

// NewNoopDaveSession is a NewDaveSessionFunc that always returns a
// passthrough session.
func NewNoopDaveSession(_ uint16, _, _ uint64) (DaveSession, error) {
	return noopDaveSession{}, nil
}

func (noopDaveSession) CreateKeyPackage() ([]byte, error) { return nil, nil }
func (noopDaveSession) SetExternalSender(_ []byte) error  { return nil }
func (noopDaveSession) ProcessProposals(_ ProposalsOperationType, _ []byte, _ []uint64) (*CommitWelcome, error) {
	return nil, nil
}
func (noopDaveSession) ProcessCommit(_ []byte) error  { return nil }
func (noopDaveSession) ProcessWelcome(_ []byte) error { return nil }
func (noopDaveSession) Reinit(_ uint16, _, _ uint64) error { return nil }
func (noopDaveSession) Reset() error                       { return nil }
func (noopDaveSession) SetPassthroughMode(_ bool, _ *int)  {}
func (noopDaveSession) Encrypt(_ MediaKind, _ CodecKind, data []byte) ([]byte, error) {
	return data, nil
}
