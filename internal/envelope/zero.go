package envelope

// Zero overwrites buf with zero bytes. Callers use it to scrub passphrase
// and secret buffers once they are no longer needed; it's a best-effort
// strengthening, not a guarantee against a GC that has already copied or
// moved the backing array.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
