package domain

import (
	interfaces "ciphera/internal/domain/interfaces"
	types "ciphera/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	Username      = types.Username
	Fingerprint   = types.Fingerprint
	SPKID         = types.SPKID
	OPKID         = types.OPKID
	ConnId        = types.ConnId
	CorrId        = types.CorrId
	QueueId       = types.QueueId
	X25519Public  = types.X25519Public
	X25519Private = types.X25519Private
	Ed25519Public = types.Ed25519Public
	Ed25519Private = types.Ed25519Private

	Identity      = types.Identity
	OneTimePair   = types.OneTimePair
	OneTimePub    = types.OneTimePub
	PrekeyBundle  = types.PrekeyBundle
	PrekeyMessage = types.PrekeyMessage

	RatchetHeader   = types.RatchetHeader
	RatchetState    = types.RatchetState
	SkippedKeysDiff = types.SkippedKeysDiff

	ServerRef      = types.ServerRef
	RcvQueueStatus = types.RcvQueueStatus
	SndQueueStatus = types.SndQueueStatus
	ReceiveQueue   = types.ReceiveQueue
	SendQueue      = types.SendQueue

	ConnVariant   = types.ConnVariant
	ConnStatus    = types.ConnStatus
	RotationState = types.RotationState
	Connection    = types.Connection

	AgentMsgKind     = types.AgentMsgKind
	PrivHeader       = types.PrivHeader
	AgentMessage     = types.AgentMessage
	Envelope         = types.Envelope
	DecryptedMessage = types.DecryptedMessage
	MsgIntegrity     = types.MsgIntegrity
	OutboxStatus     = types.OutboxStatus
	Message          = types.Message

	NtfTokenStatus = types.NtfTokenStatus
	NtfMode        = types.NtfMode
	NtfAction      = types.NtfAction
	NtfToken       = types.NtfToken

	ConnReqMode    = types.ConnReqMode
	ConnRequest    = types.ConnRequest
	RatchetEPars   = types.RatchetEPars
	ConnInfoBody   = types.ConnInfoBody
	InvitationBody = types.InvitationBody
	QNewBody       = types.QNewBody
	QKeysBody      = types.QKeysBody
	Confirmation   = types.Confirmation
	Invitation     = types.Invitation

	EventTag    = types.EventTag
	SwitchPhase = types.SwitchPhase
	AEvent      = types.AEvent

	NetworkConfig = types.NetworkConfig
	AgentConfig   = types.AgentConfig
)

const (
	ConnRcv     = types.ConnRcv
	ConnSnd     = types.ConnSnd
	ConnDuplex  = types.ConnDuplex
	ConnContact = types.ConnContact

	ConnNew       = types.ConnNew
	ConnJoined    = types.ConnJoined
	ConnRequested = types.ConnRequested
	ConnAccepted  = types.ConnAccepted
	ConnReady     = types.ConnReady
	ConnDeleted   = types.ConnDeleted

	RotationNone    = types.RotationNone
	RotationStarted = types.RotationStarted
	RotationSecured = types.RotationSecured
	RotationTested  = types.RotationTested

	RcvNew       = types.RcvNew
	RcvConfirmed = types.RcvConfirmed
	RcvSecured   = types.RcvSecured
	RcvActive    = types.RcvActive
	RcvSuspended = types.RcvSuspended
	RcvDeleted   = types.RcvDeleted

	SndNew       = types.SndNew
	SndConfirmed = types.SndConfirmed
	SndSecured   = types.SndSecured
	SndActive    = types.SndActive

	MsgConnInfo      = types.MsgConnInfo
	MsgConnInfoReply = types.MsgConnInfoReply
	MsgInvitation    = types.MsgInvitation

	MsgHello   = types.MsgHello
	MsgReply   = types.MsgReply
	MsgA       = types.MsgA
	MsgQNew    = types.MsgQNew
	MsgQKeys   = types.MsgQKeys
	MsgQReady  = types.MsgQReady
	MsgQTest   = types.MsgQTest
	MsgQSwitch = types.MsgQSwitch
	MsgQHello  = types.MsgQHello

	MsgOK        = types.MsgOK
	MsgBadId     = types.MsgBadId
	MsgDuplicate = types.MsgDuplicate
	MsgSkipped   = types.MsgSkipped
	MsgBadHash   = types.MsgBadHash

	OutboxPending = types.OutboxPending
	OutboxSent    = types.OutboxSent
	OutboxAcked   = types.OutboxAcked
	OutboxFailed  = types.OutboxFailed

	NtfNoneStatus = types.NtfNone
	NtfRegistered = types.NtfRegistered
	NtfConfirmed  = types.NtfConfirmed
	NtfActive     = types.NtfActive
	NtfExpired    = types.NtfExpired

	NtfInstant  = types.NtfInstant
	NtfPeriodic = types.NtfPeriodic

	NtfActionNone    = types.NtfActionNone
	NtfActionReplace = types.NtfActionReplace
	NtfActionDelete  = types.NtfActionDelete

	ConnReqInvitation = types.ConnReqInvitation
	ConnReqContact    = types.ConnReqContact

	EvINV    = types.EvINV
	EvCONF   = types.EvCONF
	EvINFO   = types.EvINFO
	EvREQ    = types.EvREQ
	EvCON    = types.EvCON
	EvEND    = types.EvEND
	EvMSG    = types.EvMSG
	EvSENT   = types.EvSENT
	EvSTAT   = types.EvSTAT
	EvOK     = types.EvOK
	EvSWITCH = types.EvSWITCH
	EvERR    = types.EvERR
	EvMERR   = types.EvMERR

	SwitchStarted   = types.SwitchStarted
	SwitchCompleted = types.SwitchCompleted
)

// DefaultNetworkConfig mirrors types.DefaultNetworkConfig for callers that
// only import the domain package.
func DefaultNetworkConfig() NetworkConfig { return types.DefaultNetworkConfig() }

// DefaultAgentConfig mirrors types.DefaultAgentConfig.
func DefaultAgentConfig(dataDir string) AgentConfig { return types.DefaultAgentConfig(dataDir) }

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	IdentityStore     = interfaces.IdentityStore
	PreKeyStore       = interfaces.PreKeyStore
	RatchetStore      = interfaces.RatchetStore
	ConnectionStore   = interfaces.ConnectionStore
	OutboxStore       = interfaces.OutboxStore
	HandshakeStore    = interfaces.HandshakeStore
	NotificationStore = interfaces.NotificationStore

	RelayClient = interfaces.RelayClient
	RelayPool   = interfaces.RelayPool

	OutboxKey       = interfaces.OutboxKey
	SubscribeResult = interfaces.SubscribeResult
	InboundEvent    = interfaces.InboundEvent
)
