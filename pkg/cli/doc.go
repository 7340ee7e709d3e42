// Package cli implements the opnetplg command-line tool for plugin authors and
// node operators.
//
// # Commands
//
// keygen: Create an ML-DSA key, in the keyring or a PEM file
//
//	opnetplg keygen -level MLDSA65 -name release
//	opnetplg keygen -out release.pem
//
// pack: Sign a manifest, bytecode and optional schema into an artifact
//
//	opnetplg pack -manifest plugin.json -bytecode dist/index.jsc -key release
//
// inspect, verify, validate: Check artifacts and manifests offline
//
//	opnetplg inspect indexer.opnet
//	opnetplg verify -profile light -trusted-keys 3f2a... -dir ./plugins
//	opnetplg validate -dir .
//
// submit: Send an artifact to a running opnetplgd
//
//	opnetplg submit -server http://node:8080 -store indexer.opnet
//
// keys, hooks, transitions: Inspect keys and the static dispatch tables
//
// The file keyring backend reads its password from OPNETPLG_KEYRING_PASSWORD.
package cli
