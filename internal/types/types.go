package types

import "time"

// Logger is a simple logging interface used throughout gitar
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

const (
	// DumpXML is the registry dump filename inside a fetched archive
	DumpXML = "dump.xml"

	// DumpSig is the detached signature filename
	DumpSig = "dump.xml.sig"

	// DumpZip is the container filename donors publish
	DumpZip = "dump.zip"

	// MetaFile is the tree entry carrying filesystem metadata that the
	// object store itself discards
	MetaFile = "mtime.json"

	// UserAgent identifies gitar to donors
	UserAgent = "gitar/0.3 (dump archiver; https://rknarc.net)"
)

// RegistryEpoch is the fixed bootstrap instant: the genesis commit is
// created at this timestamp, and absent optional timestamps are stored
// as this sentinel in commit messages.  2012-11-01T00:00:00Z, the day
// the registry went live.
var RegistryEpoch = time.Date(2012, time.November, 1, 0, 0, 0, 0, time.UTC)

// Snapshot is one fetched, not yet verified candidate dump.  It lives
// only for the duration of a single fetch-verify-store cycle.
type Snapshot struct {
	XMLPath string
	SigPath string
	Source  string
}
