// Package storage persists the forwarder's durable state: one watermark per
// channel and the queue of captured message ids awaiting dispatch.
package storage
