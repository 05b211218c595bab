// Package federation holds what the envelope, dispatch and delivery layers
// share about the federation itself: the user@domain identity handles that
// authors are declared with, and the Prometheus metrics and health
// endpoints an operator watches.
package federation
