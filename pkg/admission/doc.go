// Package admission decides whether a plugin artifact may be installed.
//
// An artifact passes through four stages in order: the container is decoded, its
// digest and ML-DSA signature are verified, the embedded manifest is validated, and
// the host policy cross-checks the manifest against the container and the node's
// deployment profile. The first failing stage rejects the artifact. Every outcome is
// returned as a Decision; errors are reserved for infrastructure faults such as an
// unavailable record store.
//
// Decisions are cached by the sha256 of the artifact bytes, first in process and
// optionally in a shared DecisionCache, then persisted through a RecordStore and
// announced through a Publisher.
//
// Example:
//
//	admitter, err := admission.New(admission.Options{
//		Policy:  admission.DefaultPolicy(admission.ProfileArchive),
//		Records: records,
//		Logger:  logger,
//	})
//	if err != nil {
//		return err
//	}
//	decision, err := admitter.Admit(ctx, "indexer.opnet", data)
package admission
