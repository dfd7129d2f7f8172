// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpmsg

import "sync"

// Write is one buffered write: the bytes and an optional completion
// callback invoked with the eventual flush (or discard) error.
type Write struct {
	Data       []byte
	Completion func(error)
}

// BufferedWrites is an ordered queue of writes with a movable mark: entries
// up to the mark are "flushed on next unbuffer" and entries past it are
// deferred. It backs both the HTTP recipient's pre-Ready buffering and the
// CONNECT client handshake's pre-Ready buffering.
type BufferedWrites struct {
	mu      sync.Mutex
	entries []Write
	mark    int
}

// Append enqueues a write past the current mark.
func (b *BufferedWrites) Append(data []byte, completion func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Write{Data: data, Completion: completion})
}

// Mark moves the mark to the current end of the queue, so everything
// appended before this call flushes in the first pass and everything after
// flushes in the second.
func (b *BufferedWrites) Mark() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mark = len(b.entries)
}

// DrainUpToMark removes and returns entries [0, mark), resetting mark to 0
// relative to the remaining entries.
func (b *BufferedWrites) DrainUpToMark() []Write {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mark > len(b.entries) {
		b.mark = len(b.entries)
	}
	out := b.entries[:b.mark]
	b.entries = b.entries[b.mark:]
	b.mark = 0
	return out
}

// DrainRest removes and returns all remaining entries.
func (b *BufferedWrites) DrainRest() []Write {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = nil
	b.mark = 0
	return out
}

// DrainAll drains the pre-mark pass followed by the post-mark pass, as two
// FIFO passes preserving submission order across both halves.
func (b *BufferedWrites) DrainAll() []Write {
	pre := b.DrainUpToMark()
	post := b.DrainRest()
	return append(pre, post...)
}

// Discard drops every buffered write, invoking each completion with err (or
// nil). Used on teardown, so pending writers aren't left hanging.
func (b *BufferedWrites) Discard(err error) {
	for _, w := range b.DrainAll() {
		if w.Completion != nil {
			w.Completion(err)
		}
	}
}

// Len reports the number of currently buffered writes.
func (b *BufferedWrites) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
