package sfv

import "testing"

func TestParseDictionaryPointer(t *testing.T) {
	d, err := ParseDictionary(`sha256="deadbeef", url="https://issuer.example/receipt.jws"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sha, ok := d.Get("sha256")
	if !ok || sha.Kind != KindString || sha.Str != "deadbeef" {
		t.Fatalf("sha256 = %+v, ok=%v", sha, ok)
	}
	url, ok := d.Get("url")
	if !ok || url.Str != "https://issuer.example/receipt.jws" {
		t.Fatalf("url = %+v, ok=%v", url, ok)
	}
}

func TestParseDictionaryDuplicateKeyRejected(t *testing.T) {
	_, err := ParseDictionary(`sha256="a", sha256="b"`)
	if err == nil {
		t.Fatal("expected error for duplicate key")
	}
}

func TestParseDictionaryUnknownExtKeyAllowed(t *testing.T) {
	d, err := ParseDictionary(`sha256="a", url="https://x.example/y", ext_foo="bar"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d) != 3 {
		t.Fatalf("expected 3 members, got %d", len(d))
	}
}

func TestParseDictionarySignatureInput(t *testing.T) {
	d, err := ParseDictionary(`sig1=("@method" "@target-uri" "content-type");created=1700000000;keyid="https://issuer.example/keys";alg="ed25519";nonce="n1"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sig1, ok := d.Get("sig1")
	if !ok || sig1.Kind != KindInnerList {
		t.Fatalf("sig1 = %+v, ok=%v", sig1, ok)
	}
	if len(sig1.Items) != 3 {
		t.Fatalf("expected 3 covered components, got %d", len(sig1.Items))
	}
	if tok, _ := sig1.Items[0].AsString(); tok != "@method" {
		t.Fatalf("first component = %q", tok)
	}
	created, ok := sig1.Param("created")
	if !ok || created.Int != 1700000000 {
		t.Fatalf("created param = %+v, ok=%v", created, ok)
	}
	keyid, ok := sig1.Param("keyid")
	if !ok || keyid.Str != "https://issuer.example/keys" {
		t.Fatalf("keyid param = %+v, ok=%v", keyid, ok)
	}
}

func TestParseDictionarySignatureByteSequence(t *testing.T) {
	d, err := ParseDictionary(`sig1=:AQIDBA==:`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sig1, ok := d.Get("sig1")
	if !ok || sig1.Kind != KindByteSequence {
		t.Fatalf("sig1 = %+v, ok=%v", sig1, ok)
	}
	if len(sig1.Bytes) != 4 {
		t.Fatalf("expected 4 decoded bytes, got %d", len(sig1.Bytes))
	}
}

func TestParseDictionaryRejectsGarbage(t *testing.T) {
	cases := []string{
		`sha256=`,
		`sha256="unterminated`,
		`sha256="a" url="b"`, // missing comma
		`=noKey`,
		`sig1=("@method"`, // unterminated inner list
	}
	for _, c := range cases {
		if _, err := ParseDictionary(c); err == nil {
			t.Errorf("expected error for input %q", c)
		}
	}
}

func TestParseDictionaryEmpty(t *testing.T) {
	d, err := ParseDictionary("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d) != 0 {
		t.Fatalf("expected empty dictionary, got %+v", d)
	}
}
