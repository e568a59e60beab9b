package docstore

// DocumentSnapshot stores the fully merged state of one collaborative file.
// The state is the CRDT library's document save, base64 encoded.
type DocumentSnapshot struct {
	SessionID     string `gorm:"column:session_id;primaryKey;size:190;not null"`
	FileID        string `gorm:"column:file_id;primaryKey;size:190;not null"`
	StateB64      string `gorm:"column:state_b64;type:text;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentSnapshot) TableName() string {
	return "document_snapshots"
}
