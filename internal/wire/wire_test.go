package wire

import (
	"errors"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		evt  InboundEvent
		want Kind
		text string
	}{
		{
			name: "text body",
			evt:  InboundEvent{Text: &TextPayload{Body: "  hola  "}},
			want: KindText,
			text: "hola",
		},
		{
			name: "media with caption",
			evt: InboundEvent{
				Media: &MediaPayload{Link: "https://cdn/img.jpg", ContentType: "image/jpeg", Caption: "mi pedido"},
				Text:  &TextPayload{Body: "ignored"},
			},
			want: KindMedia,
			text: "mi pedido",
		},
		{
			name: "media without caption",
			evt:  InboundEvent{Media: &MediaPayload{Link: "https://cdn/a.ogg", ContentType: "audio/ogg"}},
			want: KindMedia,
			text: "[media: audio/ogg]",
		},
		{
			name: "document",
			evt:  InboundEvent{Document: &DocumentPayload{Link: "https://cdn/f.pdf", Filename: "factura.pdf"}},
			want: KindDocument,
			text: "[document: factura.pdf]",
		},
		{
			name: "location with name",
			evt:  InboundEvent{Location: &LocationPayload{Latitude: 19.43261, Longitude: -99.13321, Name: "CDMX"}},
			want: KindLocation,
			text: "[location: CDMX (19.43261, -99.13321)]",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, err := tc.evt.Classify()
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if kind != tc.want {
				t.Fatalf("kind = %s, want %s", kind, tc.want)
			}
			if got := tc.evt.NormalizedText(kind); got != tc.text {
				t.Fatalf("text = %q, want %q", got, tc.text)
			}
		})
	}
}

func TestClassifyEmptyPayload(t *testing.T) {
	for _, evt := range []InboundEvent{
		{},
		{Text: &TextPayload{Body: "   "}},
		{Media: &MediaPayload{ContentType: "image/jpeg"}},
	} {
		var ve *ValidationError
		if _, err := evt.Classify(); !errors.As(err, &ve) {
			t.Fatalf("want ValidationError for %+v, got %v", evt, err)
		}
	}
}

func TestValidate(t *testing.T) {
	evt := InboundEvent{From: "111", To: "222"}
	if err := evt.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
	var ve *ValidationError
	if err := (&InboundEvent{To: "222"}).Validate(); !errors.As(err, &ve) {
		t.Fatalf("missing sender accepted: %v", err)
	}
	if err := (&InboundEvent{From: "111"}).Validate(); !errors.As(err, &ve) {
		t.Fatalf("missing recipient accepted: %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"message_id":"m1"}`)
	header := Sign("secret", body)
	if !strings.HasPrefix(header, "sha256=") {
		t.Fatalf("header = %q", header)
	}

	if err := VerifySignature("secret", body, header); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	var ae *AuthenticityError
	cases := map[string]error{
		"wrong secret":  VerifySignature("other", body, header),
		"tampered body": VerifySignature("secret", []byte(`{"message_id":"m2"}`), header),
		"no header":     VerifySignature("secret", body, ""),
		"bad prefix":    VerifySignature("secret", body, "md5=abc"),
		"no secret":     VerifySignature("", body, header),
	}
	for name, err := range cases {
		if !errors.As(err, &ae) {
			t.Fatalf("%s: want AuthenticityError, got %v", name, err)
		}
	}
}
