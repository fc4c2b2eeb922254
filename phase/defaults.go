package phase

// Standard phase names
const (
	Setup        Name = "setup"
	Receive      Name = "receive"
	PreStream    Name = "pre-stream"
	UserStream   Name = "user-stream"
	PostStream   Name = "post-stream"
	Read         Name = "read"
	PreProtocol  Name = "pre-protocol"
	UserProtocol Name = "user-protocol"
	PostProtocol Name = "post-protocol"
	Unmarshal    Name = "unmarshal"
	PreLogical   Name = "pre-logical"
	UserLogical  Name = "user-logical"
	PostLogical  Name = "post-logical"
	PreInvoke    Name = "pre-invoke"
	Invoke       Name = "invoke"
	PostInvoke   Name = "post-invoke"
	PrepareSend  Name = "prepare-send"
	Write        Name = "write"
	Marshal      Name = "marshal"
	Send         Name = "send"

	SetupEnding        Name = "setup-ending"
	PreLogicalEnding   Name = "pre-logical-ending"
	UserLogicalEnding  Name = "user-logical-ending"
	PostLogicalEnding  Name = "post-logical-ending"
	PrepareSendEnding  Name = "prepare-send-ending"
	PreStreamEnding    Name = "pre-stream-ending"
	PreProtocolEnding  Name = "pre-protocol-ending"
	WriteEnding        Name = "write-ending"
	MarshalEnding      Name = "marshal-ending"
	UserProtocolEnding Name = "user-protocol-ending"
	PostProtocolEnding Name = "post-protocol-ending"
	UserStreamEnding   Name = "user-stream-ending"
	PostStreamEnding   Name = "post-stream-ending"
	SendEnding         Name = "send-ending"
)

// DefaultInPhases returns the phases of inbound chains
func DefaultInPhases() []Name {
	return []Name{
		Receive,
		PreStream,
		UserStream,
		PostStream,
		Read,
		PreProtocol,
		UserProtocol,
		PostProtocol,
		Unmarshal,
		PreLogical,
		UserLogical,
		PostLogical,
		PreInvoke,
		Invoke,
		PostInvoke,
	}
}

// DefaultOutPhases returns the phases of outbound chains. Every phase that
// opens a resource has an ending phase, run in reverse order after send.
func DefaultOutPhases() []Name {
	return []Name{
		Setup,
		PreLogical,
		UserLogical,
		PostLogical,
		PrepareSend,
		PreStream,
		PreProtocol,
		Write,
		Marshal,
		UserProtocol,
		PostProtocol,
		UserStream,
		PostStream,
		Send,
		SendEnding,
		PostStreamEnding,
		UserStreamEnding,
		PostProtocolEnding,
		UserProtocolEnding,
		MarshalEnding,
		WriteEnding,
		PreProtocolEnding,
		PreStreamEnding,
		PrepareSendEnding,
		PostLogicalEnding,
		UserLogicalEnding,
		PreLogicalEnding,
		SetupEnding,
	}
}

// Manager holds the inbound and outbound phase registries
type Manager struct {
	in  *Registry
	out *Registry
}

// NewManager creates a manager with the default phases
func NewManager() *Manager {
	return &Manager{
		in:  MustRegistry(DefaultInPhases()...),
		out: MustRegistry(DefaultOutPhases()...),
	}
}

// NewManagerWith creates a manager from explicit registries
func NewManagerWith(in, out *Registry) *Manager {
	return &Manager{in: in, out: out}
}

// InPhases returns the inbound registry
func (m *Manager) InPhases() *Registry {
	return m.in
}

// OutPhases returns the outbound registry
func (m *Manager) OutPhases() *Registry {
	return m.out
}
