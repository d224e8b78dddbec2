/*
Package logs is the run log pipeline.

Each run owns a bounded ring of the most recent 1000 entries in the
coordination store, expiring 24 hours after the last append. Every entry
carries a strictly increasing per-run sequence number that survives ring
eviction. Subscribers get a replay of the trailing entries followed by live
delivery, stitched together on the sequence watermark.
*/
package logs
