// Package event defines the signed record accepted by the relay and the pure
// functions that validate it.
//
// # Records
//
// A Record is immutable once created. Its ID is the lowercase hex SHA-256 of
// the canonical serialization
//
//	[0, <pubkey>, <created_at>, <kind>, <tags>, <content>]
//
// and Sig is a BIP-340 Schnorr signature over the ID bytes, valid under the
// 32-byte x-only PubKey.
//
// # Validation
//
// Validate turns a wire Candidate into a Record or a *ValidationError:
//
//	rec, err := event.Validate(candidate, event.Limits{MaxContentBytes: 64 << 10})
//	var verr *event.ValidationError
//	if errors.As(err, &verr) {
//		// verr.Code is InvalidID, InvalidSignature, ContentTooLarge, ...
//	}
//
// Validation has no side effects and may run on any goroutine.
//
// # Retention classes
//
// ClassOf maps a kind to its Class (Regular, Replaceable,
// ParameterizedReplaceable, Ephemeral, Deletion). Store and session code
// switch on Class instead of repeating numeric range checks.
package event
