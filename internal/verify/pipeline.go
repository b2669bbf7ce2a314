// Package verify turns a fetched dump-plus-signature pair into a
// VerifiedManifest: signer identity and signing time out of the
// signature container, cryptographic verification against a trust
// anchor set, a five-digest content manifest per file, and the two
// update timestamps out of the dump prefix.
//
// The signer extraction is deliberately a text scan over openssl's
// printed structure rather than an ASN.1 parser.  It is bound to the
// field layout the registry ships today and will break loudly, not
// silently, if that layout changes.
package verify

import (
	"context"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/zeebo/errs"

	"tangled.org/rknarc.net/gitar/internal/types"
)

var (
	// ErrSignatureFormat: required field absent or unparsable in the
	// signature container.
	ErrSignatureFormat = errs.Class("signature format")

	// ErrCryptoVerification: the signature did not explicitly verify.
	ErrCryptoVerification = errs.Class("crypto verification")

	// ErrTimestamp: the dump lacks a required timestamp attribute or the
	// two attributes disagree on UTC offset.
	ErrTimestamp = errs.Class("timestamp")
)

// Manifest is the output of a successful verification: it exists only
// if the signature cryptographically verified and both update
// timestamps were located with consistent offsets.
type Manifest struct {
	XML *FileDigests
	Sig *FileDigests

	SignerCN    string
	SigningTime time.Time // UTC

	UpdateTime         time.Time
	UpdateTimeUrgently time.Time
}

// Pipeline runs verification for one snapshot.
type Pipeline struct {
	verifier SignatureVerifier
	logger   types.Logger
}

// NewPipeline wires a verifier implementation into the pipeline.
func NewPipeline(verifier SignatureVerifier, logger types.Logger) *Pipeline {
	return &Pipeline{verifier: verifier, logger: logger}
}

// updateTimePrefixLen bounds the dump prefix scanned for the two
// timestamp attributes.  They sit in the root element's first line.
const updateTimePrefixLen = 4096

var (
	updateTimeRe         = regexp.MustCompile(`\supdateTime="([^"]+)"`)
	updateTimeUrgentlyRe = regexp.MustCompile(`\supdateTimeUrgently="([^"]+)"`)
)

// Verify runs the full pipeline over one snapshot.  Digest computation
// runs concurrently with the crypto verification to hide I/O and CPU
// latency; both must finish before the caller may attempt a store.
func (p *Pipeline) Verify(ctx context.Context, xmlPath, sigPath string) (*Manifest, error) {
	type digestResult struct {
		xml, sig *FileDigests
		err      error
	}
	digestCh := make(chan digestResult, 1)
	go func() {
		var res digestResult
		res.xml, res.err = DigestFile(xmlPath)
		if res.err == nil {
			res.sig, res.err = DigestFile(sigPath)
		}
		digestCh <- res
	}()

	cn, signingTime, err := p.verifier.ExtractSigner(ctx, sigPath)
	if err != nil {
		<-digestCh
		return nil, err
	}
	if err := p.verifier.VerifyDetached(ctx, xmlPath, sigPath, signingTime, cn); err != nil {
		<-digestCh
		return nil, err
	}

	digests := <-digestCh
	if digests.err != nil {
		return nil, errs.Wrap(digests.err)
	}

	ut, utu, err := scanUpdateTimes(xmlPath)
	if err != nil {
		return nil, err
	}

	return &Manifest{
		XML:                digests.xml,
		Sig:                digests.sig,
		SignerCN:           cn,
		SigningTime:        signingTime,
		UpdateTime:         ut,
		UpdateTimeUrgently: utu,
	}, nil
}

// scanUpdateTimes locates updateTime and updateTimeUrgently in the dump
// prefix.  Both are required; their UTC offsets must agree.  This is the
// only XML the archiver ever looks at.
func scanUpdateTimes(xmlPath string) (time.Time, time.Time, error) {
	f, err := os.Open(xmlPath)
	if err != nil {
		return time.Time{}, time.Time{}, errs.Wrap(err)
	}
	defer f.Close()

	prefix := make([]byte, updateTimePrefixLen)
	n, err := io.ReadFull(f, prefix)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return time.Time{}, time.Time{}, errs.Wrap(err)
	}
	prefix = prefix[:n]

	ut, err := parseTimeAttr(updateTimeRe, prefix, "updateTime")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	utu, err := parseTimeAttr(updateTimeUrgentlyRe, prefix, "updateTimeUrgently")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	_, utOff := ut.Zone()
	_, utuOff := utu.Zone()
	if utOff != utuOff {
		return time.Time{}, time.Time{}, ErrTimestamp.New(
			"offset mismatch: updateTime %s vs updateTimeUrgently %s",
			ut.Format(time.RFC3339), utu.Format(time.RFC3339))
	}
	return ut, utu, nil
}

func parseTimeAttr(re *regexp.Regexp, prefix []byte, name string) (time.Time, error) {
	m := re.FindSubmatch(prefix)
	if m == nil {
		return time.Time{}, ErrTimestamp.New("%s not found in first %d bytes", name, updateTimePrefixLen)
	}
	t, err := time.Parse(time.RFC3339, string(m[1]))
	if err != nil {
		return time.Time{}, ErrTimestamp.New("bad %s %q: %v", name, m[1], err)
	}
	return t, nil
}
