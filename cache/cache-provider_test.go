package cache

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func providers(t *testing.T) map[string]CacheProvider {
	t.Helper()
	sqlite, err := NewSQLiteCache()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]CacheProvider{
		"memory": NewMemCache(),
		"sqlite": sqlite,
	}
}

func TestGetMissingKey(t *testing.T) {
	for name, c := range providers(t) {
		t.Run(name, func(t *testing.T) {
			bytes, ok, err := c.Get("http://example.com/never")
			if err != nil {
				t.Fatal(err)
			}
			if ok || bytes != nil {
				t.Fatalf("Got %q (ok=%v) for missing key", bytes, ok)
			}
		})
	}
}

func TestSetThenGet(t *testing.T) {
	for name, c := range providers(t) {
		t.Run(name, func(t *testing.T) {
			key := "http://example.com/data?id=1"
			if err := c.Set(key, []byte(`{"x":1}`)); err != nil {
				t.Fatal(err)
			}
			bytes, ok, err := c.Get(key)
			if err != nil || !ok {
				t.Fatalf("Get failed: ok=%v err=%v", ok, err)
			}
			if string(bytes) != `{"x":1}` {
				t.Fatalf("Body is %s", bytes)
			}
		})
	}
}

func TestSetOverwrites(t *testing.T) {
	for name, c := range providers(t) {
		t.Run(name, func(t *testing.T) {
			c.Set("k", []byte("first"))
			c.Set("k", []byte("second"))
			if bytes, _, _ := c.Get("k"); string(bytes) != "second" {
				t.Fatalf("Body is %s", bytes)
			}
		})
	}
}

func TestKeysAreExact(t *testing.T) {
	for name, c := range providers(t) {
		t.Run(name, func(t *testing.T) {
			c.Set("http://example.com/Data", []byte("upper"))
			for _, key := range []string{"http://example.com/data", "http://example.com/Data/", "http://example.com/Data?"} {
				if _, ok, _ := c.Get(key); ok {
					t.Fatalf("Key %s matched a different stored key", key)
				}
			}
		})
	}
}

func TestEmptyBodyIsStored(t *testing.T) {
	for name, c := range providers(t) {
		t.Run(name, func(t *testing.T) {
			if err := c.Set("empty", nil); err != nil {
				t.Fatal(err)
			}
			bytes, ok, err := c.Get("empty")
			if err != nil || !ok || len(bytes) != 0 {
				t.Fatalf("Got %q ok=%v err=%v", bytes, ok, err)
			}
		})
	}
}

func TestClear(t *testing.T) {
	for name, c := range providers(t) {
		t.Run(name, func(t *testing.T) {
			c.Set("a", []byte("1"))
			c.Set("b", []byte("2"))
			if err := c.Clear(); err != nil {
				t.Fatal(err)
			}
			for _, key := range []string{"a", "b"} {
				if _, ok, _ := c.Get(key); ok {
					t.Fatalf("Key %s survived clear", key)
				}
			}
			// the store is usable after clearing
			c.Set("a", []byte("3"))
			if bytes, ok, _ := c.Get("a"); !ok || string(bytes) != "3" {
				t.Fatalf("Body after clear is %s", bytes)
			}
		})
	}
}

func TestMemCacheCopiesValue(t *testing.T) {
	c := NewMemCache()
	body := []byte("original")
	c.Set("k", body)
	copy(body, "mutated!")
	if bytes, _, _ := c.Get("k"); string(bytes) != "original" {
		t.Fatalf("Stored value changed to %s", bytes)
	}
}

func TestConcurrentAccess(t *testing.T) {
	for name, c := range providers(t) {
		t.Run(name, func(t *testing.T) {
			const writers = 16
			values := make(map[string]bool, writers)
			for i := 0; i < writers; i++ {
				values[fmt.Sprintf("value-%02d-%s", i, "payload")] = true
			}

			var wg sync.WaitGroup
			for value := range values {
				wg.Add(2)
				go func(value string) {
					defer wg.Done()
					// same key for everyone, plus one key per writer
					if err := c.Set("shared", []byte(value)); err != nil {
						t.Error(err)
					}
					if err := c.Set(value, []byte(value)); err != nil {
						t.Error(err)
					}
				}(value)
				go func() {
					defer wg.Done()
					if bytes, ok, err := c.Get("shared"); err != nil {
						t.Error(err)
					} else if ok && !values[string(bytes)] {
						t.Errorf("Read corrupted value %q", bytes)
					}
				}()
			}
			wg.Wait()

			bytes, ok, err := c.Get("shared")
			if err != nil || !ok || !values[string(bytes)] {
				t.Fatalf("Final shared value %q ok=%v err=%v", bytes, ok, err)
			}
			for value := range values {
				if bytes, _, _ := c.Get(value); string(bytes) != value {
					t.Fatalf("Key %s holds %q", value, bytes)
				}
			}
		})
	}
}

func TestNewProvider(t *testing.T) {
	for _, name := range []string{"", ProviderMemory, ProviderSQLite} {
		c, err := NewProvider(name)
		if err != nil {
			t.Fatalf("Provider %q: %s", name, err)
		}
		if c == nil {
			t.Fatalf("Provider %q is nil", name)
		}
	}
	if _, err := NewProvider("redis"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Expected ErrUnknownProvider, got %v", err)
	}
}
