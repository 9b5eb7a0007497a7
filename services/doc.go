// Package services provides the HTTP surface of the coordinator: the
// institution registry with its administrative verification endpoints,
// the round coordinator endpoints (submission, status, model fetch,
// ledger audit), persistent stores, and the round-closed notifier.
//
// The presentation layer and transport authentication live outside this
// module; handlers here expect an already-authenticated channel.
package services
