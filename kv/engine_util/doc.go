package engine_util

/*
An engine is a low-level system for storing key/value pairs locally. All
engines in TideKV are badger instances. Badger does not support column
families, so they are emulated by prefixing each key with the column family
name, e.g., a key "foo" in the "write" CF is stored as "write_foo".

This package contains helpers for interacting with such an engine: batched
writes, CF-aware point reads, and CF-aware forward and reverse iterators.
Write batches are the only mutation path; a batch is applied in a single
badger transaction, so it is all-or-nothing durable.
*/
