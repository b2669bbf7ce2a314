package verify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"tangled.org/rknarc.net/gitar/internal/types"
)

// SignatureVerifier extracts signer identity and signing time from a
// detached signature container and verifies the signature against a
// trust anchor set.  The production implementation shells out to openssl
// with the GOST engine; tests substitute their own.
type SignatureVerifier interface {
	// ExtractSigner returns the signer's common name and the asserted
	// signing time (a UTC instant).
	ExtractSigner(ctx context.Context, sigPath string) (cn string, signingTime time.Time, err error)

	// VerifyDetached verifies sigPath over xmlPath at the asserted
	// signing time.  It must return nil only on an explicit success
	// report, never on mere tool exit status.
	VerifyDetached(ctx context.Context, xmlPath, sigPath string, signingTime time.Time, signerCN string) error
}

// OpensslVerifier runs the openssl binary.  The registry signs with GOST
// algorithms, so the engine must be loaded explicitly.
type OpensslVerifier struct {
	// Binary is the openssl executable, "openssl" by default.
	Binary string

	// Engine is the legacy-algorithm engine to load ("gost").
	Engine string

	// AnchorDir is the -CApath style trust anchor directory.
	AnchorDir string

	// PurposeAnyCN names the one signer certificate whose broken profile
	// needs -purpose any to verify at all.  Matched exactly.
	PurposeAnyCN string

	Logger types.Logger
}

const successMarker = "Verification successful"

// utctimeLayout parses openssl's printed UTCTIME, e.g.
// "Jun  7 20:18:23 2021 GMT".
const utctimeLayout = "Jan _2 15:04:05 2006 MST"

var (
	// signingTimeRe finds the UTCTIME value following the signing-time
	// attribute in `openssl cms -print` output.  Bound to the currently
	// observed field layout on purpose; see package doc.
	signingTimeRe = regexp.MustCompile(`(?s)object: signing-?[tT]ime.*?UTCTIME:([^\n]+)`)

	// subjectCNRe finds the CN component in `-print_certs` subject lines.
	subjectCNRe = regexp.MustCompile(`subject=.*?CN\s*=\s*([^,\n]+)`)
)

func (v *OpensslVerifier) binary() string {
	if v.Binary == "" {
		return "openssl"
	}
	return v.Binary
}

func (v *OpensslVerifier) engineArgs() []string {
	if v.Engine == "" {
		return nil
	}
	return []string{"-engine", v.Engine}
}

// ExtractSigner scans the printed container structure.  This is a narrow
// text extractor, not an ASN.1 parser: it knows exactly where the two
// fields sit in today's dumps and nothing more.
func (v *OpensslVerifier) ExtractSigner(ctx context.Context, sigPath string) (string, time.Time, error) {
	printed, err := v.runOpenssl(ctx, append([]string{"cms", "-cmsout", "-print", "-inform", "DER", "-in", sigPath}, v.engineArgs()...))
	if err != nil {
		return "", time.Time{}, ErrSignatureFormat.New("print container: %v", err)
	}
	m := signingTimeRe.FindSubmatch(printed)
	if m == nil {
		return "", time.Time{}, ErrSignatureFormat.New("signingTime not found in container")
	}
	signingTime, err := time.Parse(utctimeLayout, strings.TrimSpace(string(m[1])))
	if err != nil {
		return "", time.Time{}, ErrSignatureFormat.New("bad signingTime %q: %v", m[1], err)
	}

	certs, err := v.runOpenssl(ctx, append([]string{"pkcs7", "-inform", "DER", "-in", sigPath, "-noout", "-print_certs"}, v.engineArgs()...))
	if err != nil {
		return "", time.Time{}, ErrSignatureFormat.New("print certs: %v", err)
	}
	cm := subjectCNRe.FindSubmatch(certs)
	if cm == nil {
		return "", time.Time{}, ErrSignatureFormat.New("subject CN not found in container")
	}
	cn, ok := decodeFirstPrintable(bytes.TrimSpace(cm[1]))
	if !ok {
		return "", time.Time{}, ErrSignatureFormat.New("subject CN not printable in any known encoding")
	}
	return cn, signingTime.UTC(), nil
}

// VerifyDetached runs smime verification at the asserted signing time.
// A zero exit status alone is not proof of success: openssl has reported
// zero on engine setup failures, so the explicit success marker is
// required as well.
func (v *OpensslVerifier) VerifyDetached(ctx context.Context, xmlPath, sigPath string, signingTime time.Time, signerCN string) error {
	args := []string{
		"smime", "-verify",
		"-inform", "DER",
		"-in", sigPath,
		"-content", xmlPath,
		"-CApath", v.AnchorDir,
		"-attime", fmt.Sprintf("%d", signingTime.Unix()),
		"-out", "/dev/null",
	}
	args = append(args, v.engineArgs()...)
	if v.PurposeAnyCN != "" && signerCN == v.PurposeAnyCN {
		// Known broken certificate profile: its extended key usage does
		// not include what smime expects from a signing cert.
		args = append(args, "-purpose", "any")
	}

	cmd := exec.CommandContext(ctx, v.binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	report := stderr.String()

	if runErr != nil {
		return ErrCryptoVerification.New("openssl smime: %v: %s", runErr, strings.TrimSpace(report))
	}
	if !strings.Contains(report, successMarker) {
		return ErrCryptoVerification.New("openssl exited 0 without %q: %s", successMarker, strings.TrimSpace(report))
	}
	if v.Logger != nil {
		v.Logger.Printf("verify: signature ok (signer %q, attime %s)", signerCN, signingTime.Format(time.RFC3339))
	}
	return nil
}

func (v *OpensslVerifier) runOpenssl(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, v.binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("openssl %s: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// decodeFirstPrintable tries successive text encodings and accepts the
// first that decodes to printable text.  The ambiguity is inherited from
// the upstream signer, which has shipped the CN in more than one
// encoding over the years; do not "fix" without new dumps proving it.
func decodeFirstPrintable(raw []byte) (string, bool) {
	if utf8.Valid(raw) && printable(string(raw)) {
		return string(raw), true
	}
	for _, cm := range []*charmap.Charmap{charmap.Windows1251, charmap.ISO8859_1} {
		decoded, err := cm.NewDecoder().Bytes(raw)
		if err == nil && printable(string(decoded)) {
			return string(decoded), true
		}
	}
	return "", false
}

func printable(s string) bool {
	if s == "" {
		return false
	}
	hasLetter := false
	for _, r := range s {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return false
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	return hasLetter
}
