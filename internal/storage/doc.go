// Package storage provides the default implementation of
// [goid4vci.FlowStateManager].
//
// Flow states are kept in memory so when the wallet restarts all of them are
// lost. The subpackages mongodb and redis persist them instead.
package storage
