package logx

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestOr(t *testing.T) {
	if _, ok := Or(nil).(Nop); !ok {
		t.Fatal("Or(nil) should fall back to Nop")
	}

	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	Or(l).Warnf("plan %s stuck", "p1")
	if !bytes.Contains(buf.Bytes(), []byte("plan p1 stuck")) {
		t.Fatalf("logrus output missing message: %q", buf.String())
	}
}
