package frame

import "testing"

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	raw, err := Marshal(TypeAuth, "sess-1", AuthFrame{Token: "abc"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	env, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Type != TypeAuth || env.SessionID != "sess-1" {
		t.Fatalf("envelope = %+v, want type=%s session=sess-1", env, TypeAuth)
	}

	var decoded AuthFrame
	if err := Decode(env.Payload, &decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Token != "abc" {
		t.Errorf("decoded token = %q, want %q", decoded.Token, "abc")
	}
}

func TestDecode_EmptyPayloadNoop(t *testing.T) {
	var dst AuthFrame
	if err := Decode(nil, &dst); err != nil {
		t.Fatalf("Decode(nil) = %v, want nil error", err)
	}
	if dst.Token != "" {
		t.Errorf("dst mutated from nil payload: %+v", dst)
	}
}

func TestMust_PanicsOnUnmarshalableValue(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Must: expected panic on unmarshalable payload")
		}
	}()
	Must(TypePing, "", func() {})
}
