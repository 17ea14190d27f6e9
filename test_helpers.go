package cachering

// simulateCrash stops background workers without withdrawing the lease (for testing).
func (d *Discovery) simulateCrash() {
	d.mu.Lock()
	var cancel = d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		d.wg.Wait()
	}
}
