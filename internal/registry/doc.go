// Package registry assigns stable, dense TaskId handles to task identities
// (function, argument-tuple) pairs and holds the frozen table of registered
// task functions. A TaskId is valid for the life of the owning Registry;
// two Intern calls with equal identities always return the same TaskId.
package registry
