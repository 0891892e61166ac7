package tributary

import (
	"context"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
)

// FileSource watches a file and emits its contents as arrivals. The file
// must exist when Subscribe is called; if the initial read fails an absence
// is emitted and contents follow on the next write.
type FileSource struct {
	path string
}

// NewFileSource creates a FileSource for the given file path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Subscribe begins watching the file and returns a channel that emits the
// file contents whenever the file is written. The current contents are
// emitted immediately so the initial value is available without waiting for
// a change.
func (s *FileSource) Subscribe(ctx context.Context) (<-chan Arrival[[]byte], error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch file %s: %w", s.path, err)
	}

	out := make(chan Arrival[[]byte])

	go func() {
		defer close(out)
		defer watcher.Close()

		// Emit initial contents, or an absence if unreadable.
		initial := Absent[[]byte]()
		if data, err := os.ReadFile(s.path); err == nil {
			initial = Value(data)
		}
		select {
		case out <- initial:
		case <-ctx.Done():
			return
		}

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				// Only emit on write or create events.
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				data, err := os.ReadFile(s.path)
				if err != nil {
					continue
				}

				select {
				case out <- Value(data):
				case <-ctx.Done():
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				select {
				case out <- Fault[[]byte](fmt.Errorf("watch %s: %w", s.path, err)):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
