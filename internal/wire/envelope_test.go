package wire_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/replikit/chatcluster/internal/wire"
)

func TestWriteEnvelopeThenReadEnvelopeRoundTrips(t *testing.T) {
	t.Parallel()

	env, err := wire.NewEnvelope(wire.CmdLogin, wire.AuthData{Username: "nat", Password: "pw"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	var buf bytes.Buffer
	if err := wire.WriteEnvelope(&buf, env); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	if b := buf.Bytes(); len(b) == 0 || b[len(b)-1] != 0x00 {
		t.Fatalf("WriteEnvelope did not terminate with a NUL byte")
	}

	got, err := wire.NewReader(&buf).ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.Command != wire.CmdLogin || got.Version != wire.SupportedVersion {
		t.Fatalf("ReadEnvelope = %+v", got)
	}

	var data wire.AuthData
	if err := json.Unmarshal(got.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Username != "nat" || data.Password != "pw" {
		t.Fatalf("data = %+v", data)
	}
}

func TestReadEnvelopeHandlesMultipleFramesOnOneStream(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	for _, cmd := range []string{wire.CmdLogin, wire.CmdLogout} {
		env, err := wire.NewEnvelope(cmd, struct{}{})
		if err != nil {
			t.Fatalf("NewEnvelope(%s): %v", cmd, err)
		}
		if err := wire.WriteEnvelope(&buf, env); err != nil {
			t.Fatalf("WriteEnvelope(%s): %v", cmd, err)
		}
	}

	r := wire.NewReader(&buf)
	first, err := r.ReadEnvelope()
	if err != nil || first.Command != wire.CmdLogin {
		t.Fatalf("first frame = %+v, err=%v", first, err)
	}
	second, err := r.ReadEnvelope()
	if err != nil || second.Command != wire.CmdLogout {
		t.Fatalf("second frame = %+v, err=%v", second, err)
	}
}

func TestReadEnvelopeRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBufferString(`{not json` + "\x00")
	if _, err := wire.NewReader(buf).ReadEnvelope(); err == nil {
		t.Fatal("ReadEnvelope should reject malformed JSON")
	}
}
