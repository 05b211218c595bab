// Package envelope builds and parses signed, optionally encrypted, message
// envelopes exchanged between federated nodes. The cryptographic scheme is
// the salmon magic envelope extended with an author binding; the byte
// framing on the wire is delegated to a Format.
package envelope

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"postbox/pkg/keys"
)

const (
	// DataEncoding and SignatureAlg are fixed by the scheme; they are still
	// carried on the wire and covered by the signature.
	DataEncoding = "base64url"
	SignatureAlg = "RSA-SHA256"

	DefaultDataType = "application/xml"
)

var (
	ErrSignatureInvalid    = errors.New("signature invalid")
	ErrMissingRecipientKey = errors.New("missing recipient key")
	ErrMalformedEnvelope   = errors.New("malformed envelope")
	// ErrUnknownKey is returned when the key resolver has no key for the
	// declared author.
	ErrUnknownKey = errors.New("no public key for author")
)

// DecodeError reports why an inbound envelope was rejected. Kind is one of
// the Err* sentinels above; Err carries the underlying cause, which may be
// a *keys.CryptoError.
type DecodeError struct {
	Kind   error
	Author string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := e.Kind.Error()
	if e.Author != "" {
		msg += " (author " + e.Author + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the sentinel kind so callers can use errors.Is(err, ErrSignatureInvalid).
func (e *DecodeError) Is(target error) bool { return target == e.Kind }

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(kind error, author string, cause error) error {
	return &DecodeError{Kind: kind, Author: author, Err: cause}
}

// Envelope is the transient in-memory form of a federated message. Exactly
// one of Payload (public) or CipherText+KeyWrap (private) is set.
type Envelope struct {
	Author     string
	DataType   string
	Payload    []byte
	Signature  []byte
	KeyWrap    []byte
	CipherText []byte
}

func (e *Envelope) IsPrivate() bool {
	return len(e.KeyWrap) > 0
}

// Validate checks the public/private shape invariant.
func (e *Envelope) Validate() error {
	if e == nil {
		return decodeErr(ErrMalformedEnvelope, "", errors.New("nil envelope"))
	}
	if e.Author == "" {
		return decodeErr(ErrMalformedEnvelope, "", errors.New("no author declared"))
	}
	if len(e.Signature) == 0 {
		return decodeErr(ErrMalformedEnvelope, e.Author, errors.New("no signature"))
	}

	hasWrap := len(e.KeyWrap) > 0
	hasCipher := len(e.CipherText) > 0
	hasPayload := len(e.Payload) > 0

	switch {
	case hasWrap && hasCipher && !hasPayload:
		return nil
	case !hasWrap && !hasCipher && hasPayload:
		return nil
	case hasWrap != hasCipher:
		return decodeErr(ErrMalformedEnvelope, e.Author, errors.New("key wrap and cipher text must appear together"))
	case hasPayload && hasCipher:
		return decodeErr(ErrMalformedEnvelope, e.Author, errors.New("both plaintext and cipher text present"))
	}
	return decodeErr(ErrMalformedEnvelope, e.Author, errors.New("no payload"))
}

// body is the byte string covered by the signature.
func (e *Envelope) body() []byte {
	if e.IsPrivate() {
		return e.CipherText
	}
	return e.Payload
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// SignableData is the string that is signed for an envelope:
// data.type.encoding.alg.author, each part base64url encoded.
func SignableData(author, dataType string, body []byte) []byte {
	parts := []string{
		b64url(body),
		b64url([]byte(dataType)),
		b64url([]byte(DataEncoding)),
		b64url([]byte(SignatureAlg)),
		b64url([]byte(author)),
	}
	return []byte(strings.Join(parts, "."))
}

// KeyResolver looks up the public key of a claimed author.
type KeyResolver interface {
	PublicKey(ctx context.Context, author string) (*rsa.PublicKey, error)
}

// KeyResolverFunc adapts a function to KeyResolver.
type KeyResolverFunc func(ctx context.Context, author string) (*rsa.PublicKey, error)

func (f KeyResolverFunc) PublicKey(ctx context.Context, author string) (*rsa.PublicKey, error) {
	return f(ctx, author)
}

// Codec signs, encrypts, verifies and decrypts envelopes. It is stateless
// and safe for concurrent use.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

// EncodePublic signs payload together with author.
func (c *Codec) EncodePublic(payload []byte, dataType, author string, signer *keys.KeyPair) (*Envelope, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("encode: empty payload")
	}
	if author == "" {
		return nil, fmt.Errorf("encode: empty author")
	}
	if dataType == "" {
		dataType = DefaultDataType
	}

	sig, err := signer.Sign(SignableData(author, dataType, payload))
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Author:    author,
		DataType:  dataType,
		Payload:   append([]byte(nil), payload...),
		Signature: sig,
	}, nil
}

// EncodePrivate encrypts payload under a fresh symmetric key, wraps the key
// for recipient and signs the cipher text together with author.
func (c *Codec) EncodePrivate(payload []byte, dataType, author string, signer *keys.KeyPair, recipient *rsa.PublicKey) (*Envelope, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("encode: empty payload")
	}
	if author == "" {
		return nil, fmt.Errorf("encode: empty author")
	}
	if recipient == nil {
		return nil, fmt.Errorf("encode: private envelope needs a recipient key")
	}
	if dataType == "" {
		dataType = DefaultDataType
	}

	cipherText, symKey, err := keys.EncryptSymmetric(payload)
	if err != nil {
		return nil, err
	}
	wrapped, err := keys.WrapKey(symKey, recipient)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(SignableData(author, dataType, cipherText))
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Author:     author,
		DataType:   dataType,
		Signature:  sig,
		KeyWrap:    wrapped,
		CipherText: cipherText,
	}, nil
}

// Decoded is the verified content of an envelope.
type Decoded struct {
	Author   string
	DataType string
	Payload  []byte
	Private  bool
}

// Decode verifies env and returns its author and plaintext payload.
// ownKey is required for private envelopes and ignored for public ones.
//
// The signature is checked before any decryption so that a forged author
// never reaches the cipher.
func (c *Codec) Decode(ctx context.Context, env *Envelope, resolver KeyResolver, ownKey *rsa.PrivateKey) (*Decoded, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.IsPrivate() && ownKey == nil {
		return nil, decodeErr(ErrMissingRecipientKey, env.Author, nil)
	}

	pub, err := resolver.PublicKey(ctx, env.Author)
	if err != nil {
		return nil, decodeErr(ErrUnknownKey, env.Author, err)
	}
	if pub == nil {
		return nil, decodeErr(ErrUnknownKey, env.Author, nil)
	}

	if !keys.Verify(SignableData(env.Author, env.DataType, env.body()), env.Signature, pub) {
		return nil, decodeErr(ErrSignatureInvalid, env.Author, nil)
	}

	out := &Decoded{
		Author:   env.Author,
		DataType: env.DataType,
		Private:  env.IsPrivate(),
	}

	if !env.IsPrivate() {
		out.Payload = env.Payload
		return out, nil
	}

	symKey, err := keys.UnwrapKey(env.KeyWrap, ownKey)
	if err != nil {
		return nil, err
	}
	plain, err := keys.DecryptSymmetric(env.CipherText, symKey)
	if err != nil {
		return nil, err
	}
	out.Payload = plain
	return out, nil
}
