// Package dumpmeta defines the fixed key-value commit message format and
// the metadata record it carries.  The format is the interchange contract
// between the storage engine (which writes it), the dedup log (which
// rebuilds itself by parsing it out of chain history) and the mirror
// replicator (which rewrites one digest line per chunk).  Line order is
// fixed so the archive stays greppable.
package dumpmeta

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/zeebo/errs"

	"tangled.org/rknarc.net/gitar/internal/types"
)

// Error is the class for metadata format violations.
var Error = errs.Class("dumpmeta")

// FileMeta is the per-file digest set recorded in the commit message.
type FileMeta struct {
	Mtime  int64
	MD5    string
	SHA1   string
	Git    string
	SHA256 string
	SHA512 string
}

// Record is everything one archive commit says about its dump.  Times
// are unix seconds; UpdateTimeUrgently of zero means the attribute was
// recorded as the epoch sentinel.
type Record struct {
	UpdateTime         int64
	UpdateTimeUrgently int64
	SigningTime        int64
	XML                FileMeta
	Sig                FileMeta

	// Offset is the UTC offset (seconds east) of the dump's own
	// timestamps, used to render the ISO8601 local column.
	Offset int
}

// digest line algorithms, in fixed emission order.
var algos = []string{"MD5", "SHA1", "GIT", "SHA256", "SHA512"}

func (f *FileMeta) byAlgo(algo string) *string {
	switch algo {
	case "MD5":
		return &f.MD5
	case "SHA1":
		return &f.SHA1
	case "GIT":
		return &f.Git
	case "SHA256":
		return &f.SHA256
	case "SHA512":
		return &f.SHA512
	}
	return nil
}

func isoLocal(unix int64, offset int) string {
	return time.Unix(unix, 0).In(time.FixedZone("", offset)).Format("2006-01-02T15:04:05-07:00")
}

// Message renders the full commit message: one human summary line, a
// blank line, then the timestamp and digest lines.
func (r *Record) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", types.DumpXML,
		time.Unix(r.UpdateTime, 0).In(time.FixedZone("", r.Offset)).Format("2006-01-02T15:04:05-07:00"))

	utu := r.UpdateTimeUrgently
	if utu == 0 {
		utu = types.RegistryEpoch.Unix()
	}
	fmt.Fprintf(&b, "%s %d updateTime\n", isoLocal(r.UpdateTime, r.Offset), r.UpdateTime)
	fmt.Fprintf(&b, "%s %d updateTimeUrgently\n", isoLocal(utu, r.Offset), utu)
	fmt.Fprintf(&b, "%s %d signingTime\n", isoLocal(r.SigningTime, 0), r.SigningTime)
	fmt.Fprintf(&b, "%s %d %s mtime\n", isoLocal(r.XML.Mtime, 0), r.XML.Mtime, types.DumpXML)
	fmt.Fprintf(&b, "%s %d %s mtime\n", isoLocal(r.Sig.Mtime, 0), r.Sig.Mtime, types.DumpSig)

	for _, algo := range algos {
		fmt.Fprintf(&b, "%s %s %s\n", algo, *r.XML.byAlgo(algo), types.DumpXML)
	}
	for _, algo := range algos {
		fmt.Fprintf(&b, "%s %s %s\n", algo, *r.Sig.byAlgo(algo), types.DumpSig)
	}
	return b.String()
}

// ParseBody parses the key-value lines of a commit message body (the
// message without its summary line).  Chunked digest lines written by
// the mirror replicator ("GIT <oid> dump.xml.NN") are ignored: the
// mirror chain carries the same record otherwise.
func ParseBody(body string) (*Record, error) {
	rec := &Record{}
	seen := 0
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			return nil, Error.New("bad line: %q", line)
		}
		a, b, c := fields[0], fields[1], fields[2]

		switch c {
		case "updateTime", "updateTimeUrgently", "signingTime",
			types.DumpXML + " mtime", types.DumpSig + " mtime":
			v, err := strconv.ParseInt(b, 10, 64)
			if err != nil {
				return nil, Error.New("bad timestamp line: %q", line)
			}
			if v == types.RegistryEpoch.Unix() {
				v = 0 // epoch sentinel marks an absent value
			}
			switch c {
			case "updateTime":
				rec.UpdateTime = v
				if t, err := time.Parse("2006-01-02T15:04:05-07:00", a); err == nil {
					_, rec.Offset = t.Zone()
				}
			case "updateTimeUrgently":
				rec.UpdateTimeUrgently = v
			case "signingTime":
				rec.SigningTime = v
			case types.DumpXML + " mtime":
				rec.XML.Mtime = v
			case types.DumpSig + " mtime":
				rec.Sig.Mtime = v
			}
			seen++

		default:
			var fm *FileMeta
			switch c {
			case types.DumpXML:
				fm = &rec.XML
			case types.DumpSig:
				fm = &rec.Sig
			default:
				if strings.HasPrefix(c, types.DumpXML+".") {
					continue // mirror chunk digest line
				}
				return nil, Error.New("unknown file in line: %q", line)
			}
			slot := fm.byAlgo(a)
			if slot == nil {
				return nil, Error.New("unknown algorithm in line: %q", line)
			}
			*slot = b
			seen++
		}
	}
	if seen == 0 {
		return nil, Error.New("empty body")
	}
	if rec.SigningTime == 0 || rec.XML.SHA256 == "" {
		return nil, Error.New("incomplete record (signingTime or xml sha256 missing)")
	}
	return rec, nil
}

// MetaBlob is the small serialized structure mapping file name to mtime,
// stored as a tree entry because the object store discards filesystem
// metadata.  Keys marshal sorted, so the blob is stable for identical
// input.
func MetaBlob(xmlMtime, sigMtime int64) ([]byte, error) {
	m := map[string]int64{
		types.DumpXML: xmlMtime,
		types.DumpSig: sigMtime,
	}
	return json.MarshalIndent(m, "", "  ")
}

// ParseMetaBlob reads a MetaBlob back.
func ParseMetaBlob(data []byte) (map[string]int64, error) {
	var m map[string]int64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, Error.Wrap(err)
	}
	return m, nil
}

// RewriteChunkDigests replaces the single "GIT <oid> dump.xml" line of a
// message with one line per chunk, sorted by chunk name.  All other
// lines pass through untouched.
func RewriteChunkDigests(message string, chunks map[string]string) string {
	names := make([]string, 0, len(chunks))
	for name := range chunks {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []string
	for _, line := range strings.Split(message, "\n") {
		fields := strings.SplitN(line, " ", 3)
		if len(fields) == 3 && fields[0] == "GIT" && fields[2] == types.DumpXML {
			for _, name := range names {
				out = append(out, fmt.Sprintf("GIT %s %s", chunks[name], name))
			}
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
