package context

import (
	"strings"
	"sync"
	"testing"
)

func TestChangeCacheEvictsLeastRecentlyModified(t *testing.T) {
	c := NewChangeCache(2, 0)
	defer c.Close()

	c.Add("a.go", 1, "first")
	c.Add("b.go", 1, "second")
	c.Add("a.go", 1, "first again")
	c.Add("c.go", 4, "third")

	got := c.Entries()
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].Path != "a.go" || got[0].Snippet != "first again" {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[1].Path != "c.go" {
		t.Errorf("entry 1 = %+v", got[1])
	}
}

func TestChangeCacheContextExcludesActiveFile(t *testing.T) {
	c := NewChangeCache(10, 0)
	defer c.Close()

	c.Add("main.go", 0, "x := 1")
	c.Add("util.go", 9, "return nil")
	c.Add("util.go", 10, "   ")

	ctx := c.Context("main.go")
	if strings.Contains(ctx, "main.go") {
		t.Errorf("active file leaked into context: %q", ctx)
	}
	if !strings.Contains(ctx, "util.go:10: return nil") {
		t.Errorf("context = %q", ctx)
	}
	if c.Len() != 2 {
		t.Errorf("blank snippet was recorded: len %d", c.Len())
	}
	if got := c.Context("util.go"); got != "Recent changes in other files:\nmain.go:1: x := 1\n" {
		t.Errorf("context = %q", got)
	}
}

func TestChangeCacheConcurrentUse(t *testing.T) {
	c := NewChangeCache(8, 0)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Add("f.go", i*100+j, "line")
				_ = c.Entries()
			}
		}(i)
	}
	wg.Wait()

	if c.Len() > 8 {
		t.Errorf("capacity exceeded: %d", c.Len())
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("clear left %d entries", c.Len())
	}
}
