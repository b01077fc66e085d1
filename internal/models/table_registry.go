package models

// TableSpec maps an entity type onto its canonical table
type TableSpec struct {
	Table         string
	PKColumn      string
	VersionColumn string
	// AuditColumn receives the caller id on every write; empty disables stamping
	AuditColumn string
}

// TableRegistry is the whitelist of entity types that may be mutated from the queue
var TableRegistry = map[string]TableSpec{
	"patient":    {Table: "PATIENT", PKColumn: "ID", VersionColumn: "VERSION", AuditColumn: "UPDATED_BY"},
	"diagnosis":  {Table: "DIAGNOSIS", PKColumn: "ID", VersionColumn: "VERSION", AuditColumn: "UPDATED_BY"},
	"medication": {Table: "MEDICATION", PKColumn: "ID", VersionColumn: "VERSION", AuditColumn: "UPDATED_BY"},
	"lab_order":  {Table: "LAB_ORDER", PKColumn: "ID", VersionColumn: "VERSION", AuditColumn: "UPDATED_BY"},
}

// Mutation is one write handed to the canonical store
type Mutation struct {
	// CorrelationID is the queue item id; the canonical store records it to make replays no-ops
	CorrelationID string
	Spec          TableSpec
	Operation     Operation
	EntityID      string
	Payload       Payload
	CallerID      string
	// BaseVersion is the version of the client's copy; nil writes unconditionally
	BaseVersion *int64
}
