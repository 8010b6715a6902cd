package ops

// ResetDirty clears every dirty bit of d, so tests can observe which bits an operation sets.
func ResetDirty(d *Dat) {
	for i := range d.sd.send.bits {
		d.sd.send.bits[i] = false
		d.sd.recv.bits[i] = false
	}
}
