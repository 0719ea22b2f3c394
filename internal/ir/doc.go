// Package ir provides the shared types of the translation pipeline: plan
// schemas, device references, intents, bound plans and outcomes.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Argument values are the sealed Value types; floats must be finite
//   - Content identity (schema hashes, submission ids) goes through
//     MarshalCanonical and domain-separated SHA-256
//   - All JSON tags use snake_case
package ir
