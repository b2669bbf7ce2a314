package verify

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/text/encoding/charmap"
)

func TestSigningTimeExtraction(t *testing.T) {
	printed := `    CMS_SignerInfo:
      signedAttrs:
          object: contentType (1.2.840.113549.1.9.3)
          value.set:
            OBJECT:pkcs7-data (1.2.840.113549.1.7.1)

          object: signingTime (1.2.840.113549.1.9.5)
          value.set:
            UTCTIME:Jun  7 20:18:23 2021 GMT
`
	m := signingTimeRe.FindSubmatch([]byte(printed))
	if m == nil {
		t.Fatal("signingTime not matched")
	}
	ts, err := time.Parse(utctimeLayout, strings.TrimSpace(string(m[1])))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2021, 6, 7, 20, 18, 23, 0, time.UTC)
	if !ts.UTC().Equal(want) {
		t.Errorf("got %s, want %s", ts.UTC(), want)
	}
}

func TestSubjectCNExtraction(t *testing.T) {
	certs := `subject=C = RU, ST = Moscow, O = Roskomnadzor, CN = Roskomnadzor CA

issuer=C = RU, CN = Root
`
	m := subjectCNRe.FindSubmatch([]byte(certs))
	if m == nil {
		t.Fatal("CN not matched")
	}
	if got := strings.TrimSpace(string(m[1])); got != "Roskomnadzor CA" {
		t.Errorf("CN = %q", got)
	}
}

func TestDecodeFirstPrintable(t *testing.T) {
	t.Run("UTF8", func(t *testing.T) {
		got, ok := decodeFirstPrintable([]byte("Роскомнадзор"))
		if !ok || got != "Роскомнадзор" {
			t.Errorf("got %q, ok=%v", got, ok)
		}
	})

	t.Run("CP1251", func(t *testing.T) {
		raw, err := charmap.Windows1251.NewEncoder().Bytes([]byte("Роскомнадзор"))
		if err != nil {
			t.Fatal(err)
		}
		got, ok := decodeFirstPrintable(raw)
		if !ok || got != "Роскомнадзор" {
			t.Errorf("got %q, ok=%v", got, ok)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if _, ok := decodeFirstPrintable(nil); ok {
			t.Error("empty input accepted")
		}
	})

	t.Run("ControlBytes", func(t *testing.T) {
		if got, ok := decodeFirstPrintable([]byte("\x01\x02")); ok {
			t.Errorf("control bytes accepted as %q", got)
		}
	})
}
