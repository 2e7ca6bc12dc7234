// Package payload provides the structured, self-describing values exchanged
// with a conductor: call arguments, call results and entry content.
//
// A Value is a sealed union of Null, String, Int, Bool, Array and Object.
// There is no float variant; numbers are int64 so that payloads hash
// identically on every platform.
//
// Two serializations exist:
//   - MarshalJSON / Decode: wire format used by the rpc package. Null is allowed.
//   - MarshalCanonical: RFC 8785 canonical JSON used for content addresses
//     and golden snapshots. Null is rejected.
package payload
