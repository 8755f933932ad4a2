// Package augment enriches a single push notification before it is shown.
//
// An Augmentor owns one request. OnReceive builds a working copy of the
// notification content, optionally downloads the image referenced by the
// metadata key "native_push_image", stages it on disk and attaches it, then
// hands the content to the delivery callback. OnDeadline may be called at any
// time from another goroutine; whichever of the two reaches the release guard
// first delivers, the other does nothing.
//
// Enrichment failures are never surfaced to the caller. The only visible
// degradation is a notification delivered without its image.
package augment
