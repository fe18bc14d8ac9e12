package logging

// Domain field constructors.  Identifiers that recur across the platform get a
// fixed key here so log pipelines can correlate entries without per-call-site
// key spelling.

// UploadID tags an entry with the ingestion run it belongs to.
func UploadID(id string) Field { return Field{Key: "upload_id", Value: id} }

// ContentHash tags an entry with a molecule's structure-derived key.
func ContentHash(hash string) Field { return Field{Key: "content_hash", Value: hash} }

// Property tags an entry with a property name (logP, melting_point, ...).
func Property(name string) Field { return Field{Key: "property", Value: name} }

// JobID tags an entry with a prediction job.
func JobID(id string) Field { return Field{Key: "job_id", Value: id} }

// LibraryID tags an entry with a library.
func LibraryID(id string) Field { return Field{Key: "library_id", Value: id} }

// Actor tags an entry with the user who performed the operation.
func Actor(user string) Field { return Field{Key: "actor", Value: user} }
