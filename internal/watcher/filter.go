package watcher

import "peersync/internal/model"

// Filter forwards the events whose relative path is not ignored.
func Filter(inCh <-chan model.FileEvent, ignored func(rel string) bool) <-chan model.FileEvent {
	outCh := make(chan model.FileEvent, cap(inCh))

	go func() {
		defer close(outCh)

		for event := range inCh {
			if ignored(event.Rel) {
				continue
			}
			outCh <- event
		}
	}()

	return outCh
}
