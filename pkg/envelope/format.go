package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"mime"
	"strings"
)

// MagicEnvNamespace is the salmon magic-envelope XML namespace.
const MagicEnvNamespace = "http://salmon-protocol.org/ns/magic-env"

const (
	FormatXML  = "xml"
	FormatJSON = "json"

	xmlContentType  = "application/magic-envelope+xml"
	jsonContentType = "application/json"
)

// Format is the wire framing of an envelope. Different federated networks
// frame the same signature scheme differently; the framing is chosen per
// remote server.
type Format interface {
	Name() string
	ContentType() string
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte) (*Envelope, error)
}

var formats = map[string]Format{
	FormatXML:  XMLFormat{},
	FormatJSON: JSONFormat{},
}

// FormatByName returns the registered format, defaulting to XML for an
// empty name.
func FormatByName(name string) (Format, error) {
	if name == "" {
		return XMLFormat{}, nil
	}
	f, ok := formats[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown envelope format %q", name)
	}
	return f, nil
}

// Detect picks the format of an inbound body, trusting the content type
// first and sniffing the first non-blank byte otherwise.
func Detect(contentType string, body []byte) (Format, error) {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			switch {
			case mt == xmlContentType || strings.HasSuffix(mt, "/xml") || strings.HasSuffix(mt, "+xml"):
				return XMLFormat{}, nil
			case mt == jsonContentType || strings.HasSuffix(mt, "+json"):
				return JSONFormat{}, nil
			}
		}
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, decodeErr(ErrMalformedEnvelope, "", errors.New("empty body"))
	}
	switch trimmed[0] {
	case '<':
		return XMLFormat{}, nil
	case '{':
		return JSONFormat{}, nil
	}
	return nil, decodeErr(ErrMalformedEnvelope, "", errors.New("unrecognized envelope framing"))
}

// Parse detects the format and unmarshals body.
func Parse(contentType string, body []byte) (*Envelope, error) {
	f, err := Detect(contentType, body)
	if err != nil {
		return nil, err
	}
	return f.Unmarshal(body)
}

func decodeB64url(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}

// wireFields is the decoded, framing-independent content shared by both
// formats.
type wireFields struct {
	data, dataType, encoding, alg, sig, author, key string
}

func (w wireFields) toEnvelope() (*Envelope, error) {
	if w.encoding != DataEncoding {
		return nil, decodeErr(ErrMalformedEnvelope, w.author, fmt.Errorf("unsupported encoding %q", w.encoding))
	}
	if w.alg != SignatureAlg {
		return nil, decodeErr(ErrMalformedEnvelope, w.author, fmt.Errorf("unsupported algorithm %q", w.alg))
	}

	data, err := decodeB64url(w.data)
	if err != nil {
		return nil, decodeErr(ErrMalformedEnvelope, w.author, fmt.Errorf("data: %w", err))
	}
	sig, err := decodeB64url(w.sig)
	if err != nil {
		return nil, decodeErr(ErrMalformedEnvelope, w.author, fmt.Errorf("sig: %w", err))
	}

	env := &Envelope{
		Author:    w.author,
		DataType:  w.dataType,
		Signature: sig,
	}
	if w.key != "" {
		wrap, err := decodeB64url(w.key)
		if err != nil {
			return nil, decodeErr(ErrMalformedEnvelope, w.author, fmt.Errorf("key: %w", err))
		}
		env.KeyWrap = wrap
		env.CipherText = data
	} else {
		env.Payload = data
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func fromEnvelope(env *Envelope) (wireFields, error) {
	if err := env.Validate(); err != nil {
		return wireFields{}, err
	}
	w := wireFields{
		data:     b64url(env.body()),
		dataType: env.DataType,
		encoding: DataEncoding,
		alg:      SignatureAlg,
		sig:      b64url(env.Signature),
		author:   env.Author,
	}
	if env.IsPrivate() {
		w.key = b64url(env.KeyWrap)
	}
	return w, nil
}

// XMLFormat frames envelopes as salmon <me:env> documents. The author is
// carried base64url encoded in the key_id attribute of <me:sig>; a private
// envelope adds <me:key> holding the wrapped symmetric key.
type XMLFormat struct{}

type xmlEnvOut struct {
	XMLName  xml.Name   `xml:"me:env"`
	NS       string     `xml:"xmlns:me,attr"`
	Data     xmlDataOut `xml:"me:data"`
	Encoding string     `xml:"me:encoding"`
	Alg      string     `xml:"me:alg"`
	Sig      xmlSigOut  `xml:"me:sig"`
	Key      string     `xml:"me:key,omitempty"`
}

type xmlDataOut struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type xmlSigOut struct {
	KeyID string `xml:"key_id,attr"`
	Value string `xml:",chardata"`
}

type xmlEnvIn struct {
	XMLName  xml.Name
	Data     xmlDataOut `xml:"data"`
	Encoding string     `xml:"encoding"`
	Alg      string     `xml:"alg"`
	Sig      xmlSigOut  `xml:"sig"`
	Key      string     `xml:"key"`
}

func (XMLFormat) Name() string        { return FormatXML }
func (XMLFormat) ContentType() string { return xmlContentType }

func (XMLFormat) Marshal(env *Envelope) ([]byte, error) {
	w, err := fromEnvelope(env)
	if err != nil {
		return nil, err
	}
	doc := xmlEnvOut{
		NS:       MagicEnvNamespace,
		Data:     xmlDataOut{Type: w.dataType, Value: w.data},
		Encoding: w.encoding,
		Alg:      w.alg,
		Sig:      xmlSigOut{KeyID: b64url([]byte(w.author)), Value: w.sig},
		Key:      w.key,
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal xml envelope: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func (XMLFormat) Unmarshal(data []byte) (*Envelope, error) {
	var doc xmlEnvIn
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, decodeErr(ErrMalformedEnvelope, "", err)
	}
	if doc.XMLName.Local != "env" || (doc.XMLName.Space != "" && doc.XMLName.Space != MagicEnvNamespace) {
		return nil, decodeErr(ErrMalformedEnvelope, "", fmt.Errorf("unexpected root element %q", doc.XMLName.Local))
	}

	author, err := decodeB64url(doc.Sig.KeyID)
	if err != nil {
		return nil, decodeErr(ErrMalformedEnvelope, "", fmt.Errorf("key_id: %w", err))
	}

	return wireFields{
		data:     doc.Data.Value,
		dataType: doc.Data.Type,
		encoding: strings.TrimSpace(doc.Encoding),
		alg:      strings.TrimSpace(doc.Alg),
		sig:      doc.Sig.Value,
		author:   string(author),
		key:      strings.TrimSpace(doc.Key),
	}.toEnvelope()
}

// JSONFormat frames envelopes as a flat JSON object.
type JSONFormat struct{}

type jsonEnvelope struct {
	Author   string `json:"author"`
	Data     string `json:"data"`
	DataType string `json:"data_type"`
	Encoding string `json:"encoding"`
	Alg      string `json:"alg"`
	Sig      string `json:"sig"`
	Key      string `json:"aes_key,omitempty"`
}

func (JSONFormat) Name() string        { return FormatJSON }
func (JSONFormat) ContentType() string { return jsonContentType }

func (JSONFormat) Marshal(env *Envelope) ([]byte, error) {
	w, err := fromEnvelope(env)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(jsonEnvelope{
		Author:   w.author,
		Data:     w.data,
		DataType: w.dataType,
		Encoding: w.encoding,
		Alg:      w.alg,
		Sig:      w.sig,
		Key:      w.key,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal json envelope: %w", err)
	}
	return out, nil
}

func (JSONFormat) Unmarshal(data []byte) (*Envelope, error) {
	var doc jsonEnvelope
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, decodeErr(ErrMalformedEnvelope, "", err)
	}
	return wireFields{
		data:     doc.Data,
		dataType: doc.DataType,
		encoding: doc.Encoding,
		alg:      doc.Alg,
		sig:      doc.Sig,
		author:   doc.Author,
		key:      doc.Key,
	}.toEnvelope()
}
