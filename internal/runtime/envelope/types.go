package envelope

// Event types published across the MedTrack services. The constant is the
// routing key; binding patterns such as "student.*" match against these.
const (
	// auth-service
	UserCreated         = "user.created"
	UserVerified        = "user.verified"
	UserPasswordChanged = "user.password_changed"
	UserDeleted         = "user.deleted"
	UserLogin           = "user.login"
	UserLogout          = "user.logout"

	// profile-service
	StudentCreated       = "student.created"
	StudentUpdated       = "student.updated"
	StudentDeleted       = "student.deleted"
	EncadrantCreated     = "encadrant.created"
	EncadrantUpdated     = "encadrant.updated"
	EncadrantDeleted     = "encadrant.deleted"
	EstablishmentCreated = "establishment.created"
	EstablishmentUpdated = "establishment.updated"
	ServiceCreated       = "service.created"
	ServiceUpdated       = "service.updated"

	// core-service
	OfferCreated   = "offer.created"
	OfferUpdated   = "offer.updated"
	OfferDeleted   = "offer.deleted"
	StageCreated   = "stage.created"
	StageAccepted  = "stage.accepted"
	StageRejected  = "stage.rejected"
	StageStarted   = "stage.started"
	StageCompleted = "stage.completed"
	StageCancelled = "stage.cancelled"

	// comm-service
	MessageSent         = "message.sent"
	MessageRead         = "message.read"
	NotificationCreated = "notification.created"
	DocumentUploaded    = "document.uploaded"
	DocumentDeleted     = "document.deleted"
	EmailSent           = "email.sent"
	EmailFailed         = "email.failed"

	// eval-service
	EvaluationCreated = "evaluation.created"
	EvaluationUpdated = "evaluation.updated"
	EvaluationDeleted = "evaluation.deleted"
	GradeAssigned     = "grade.assigned"
	AttendanceMarked  = "attendance.marked"
)
