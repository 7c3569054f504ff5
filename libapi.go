package eventbus

import (
	runtimepkg "github.com/medtrack/eventbus/internal/runtime"
	configpkg "github.com/medtrack/eventbus/internal/runtime/config"
	envelopepkg "github.com/medtrack/eventbus/internal/runtime/envelope"
	errspkg "github.com/medtrack/eventbus/internal/runtime/errors"
	idspkg "github.com/medtrack/eventbus/internal/runtime/ids"
	jsoncodec "github.com/medtrack/eventbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/medtrack/eventbus/internal/runtime/logging"
	metadatapkg "github.com/medtrack/eventbus/internal/runtime/metadata"
	outboxpkg "github.com/medtrack/eventbus/internal/runtime/outbox"
	transportpkg "github.com/medtrack/eventbus/internal/runtime/transport"
	bustransport "github.com/medtrack/eventbus/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory

	Envelope        = envelopepkg.Envelope
	Handler         = runtimepkg.Handler
	HandlerFunc     = runtimepkg.HandlerFunc
	HandlerRegistry = runtimepkg.HandlerRegistry
	Producer        = runtimepkg.Producer

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerInfo          = runtimepkg.HandlerInfo
	HandlerStats         = runtimepkg.HandlerStats
	HandlerStatsSnapshot = runtimepkg.HandlerStatsSnapshot

	// Error types
	ConfigValidationError = errspkg.ConfigValidationError
	ConnectionError       = errspkg.ConnectionError
	TopologyConflictError = errspkg.TopologyConflictError
	SerializationError    = errspkg.SerializationError
	HandlerError          = errspkg.HandlerError
	MaxAttemptsError      = errspkg.MaxAttemptsError

	// Transactional outbox
	OutboxEvent       = outboxpkg.Event
	OutboxStore       = outboxpkg.Store
	OutboxSQLiteStore = outboxpkg.SQLiteStore
	OutboxRelay       = outboxpkg.Relay
	OutboxRelayConfig = outboxpkg.RelayConfig

	// Modular transport types
	TransportBuilder      = bustransport.Builder
	TransportConfig       = bustransport.Config
	TransportRegistry     = bustransport.Registry
	TransportCapabilities = bustransport.Capabilities
)

// Schema version stamped on every published envelope.
const EnvelopeVersion = envelopepkg.Version

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	NewEnvelope        = envelopepkg.New
	DecodeEnvelope     = envelopepkg.Decode
	ValidateEventType  = envelopepkg.ValidateEventType
	NewHandlerRegistry = runtimepkg.NewHandlerRegistry
	PublishEnvelope    = runtimepkg.PublishEnvelope
	NewMessage         = runtimepkg.NewMessage

	NewMetadata = metadatapkg.New

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewWatermillAdapter  = loggingpkg.NewWatermillAdapter

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	DeadLetterMiddleware    = runtimepkg.DeadLetterMiddleware
	AttemptsMiddleware      = runtimepkg.AttemptsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	IsDeadLetterError       = runtimepkg.IsDeadLetterError

	// Transactional outbox
	OpenOutbox      = outboxpkg.Open
	NewOutboxEvent  = outboxpkg.NewEvent
	NewSQLiteOutbox = outboxpkg.NewSQLiteStore
	NewOutboxRelay  = outboxpkg.NewRelay

	DefaultTransportFactory = transportpkg.DefaultFactory

	// Modular transport registry. Import individual transports via:
	// _ "github.com/medtrack/eventbus/transport/rabbitmq"
	DefaultTransportRegistry = bustransport.DefaultRegistry
	RegisterTransport        = bustransport.Register
	BuildTransport           = bustransport.Build
	GetCapabilities          = bustransport.GetCapabilities

	NewULID = idspkg.NewULID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	// Metadata keys stamped on bus messages.
	KeyCorrelationID = metadatapkg.KeyCorrelationID
	KeyAttempt       = metadatapkg.KeyAttempt
	KeyOriginalTopic = metadatapkg.KeyOriginalTopic
	KeyError         = metadatapkg.KeyError

	ErrServiceRequired   = errspkg.ErrServiceRequired
	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrQueueRequired     = errspkg.ErrQueueRequired
	ErrRegistryRequired  = errspkg.ErrRegistryRequired
	ErrEventTypeRequired = errspkg.ErrEventTypeRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrPayloadRequired   = errspkg.ErrPayloadRequired
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrRegistryFrozen    = errspkg.ErrRegistryFrozen
	ErrConnection        = errspkg.ErrConnection
)

// MedTrack event types carried on the bus. Event types are dot-delimited
// entity.action names and double as routing keys.
const (
	UserCreated         = envelopepkg.UserCreated
	UserVerified        = envelopepkg.UserVerified
	UserPasswordChanged = envelopepkg.UserPasswordChanged
	UserDeleted         = envelopepkg.UserDeleted
	UserLogin           = envelopepkg.UserLogin
	UserLogout          = envelopepkg.UserLogout

	StudentCreated       = envelopepkg.StudentCreated
	StudentUpdated       = envelopepkg.StudentUpdated
	StudentDeleted       = envelopepkg.StudentDeleted
	EncadrantCreated     = envelopepkg.EncadrantCreated
	EncadrantUpdated     = envelopepkg.EncadrantUpdated
	EncadrantDeleted     = envelopepkg.EncadrantDeleted
	EstablishmentCreated = envelopepkg.EstablishmentCreated
	EstablishmentUpdated = envelopepkg.EstablishmentUpdated
	ServiceCreated       = envelopepkg.ServiceCreated
	ServiceUpdated       = envelopepkg.ServiceUpdated

	OfferCreated   = envelopepkg.OfferCreated
	OfferUpdated   = envelopepkg.OfferUpdated
	OfferDeleted   = envelopepkg.OfferDeleted
	StageCreated   = envelopepkg.StageCreated
	StageAccepted  = envelopepkg.StageAccepted
	StageRejected  = envelopepkg.StageRejected
	StageStarted   = envelopepkg.StageStarted
	StageCompleted = envelopepkg.StageCompleted
	StageCancelled = envelopepkg.StageCancelled

	MessageSent         = envelopepkg.MessageSent
	MessageRead         = envelopepkg.MessageRead
	NotificationCreated = envelopepkg.NotificationCreated
	DocumentUploaded    = envelopepkg.DocumentUploaded
	DocumentDeleted     = envelopepkg.DocumentDeleted
	EmailSent           = envelopepkg.EmailSent
	EmailFailed         = envelopepkg.EmailFailed

	EvaluationCreated = envelopepkg.EvaluationCreated
	EvaluationUpdated = envelopepkg.EvaluationUpdated
	EvaluationDeleted = envelopepkg.EvaluationDeleted
	GradeAssigned     = envelopepkg.GradeAssigned
	AttendanceMarked  = envelopepkg.AttendanceMarked
)
