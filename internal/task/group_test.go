package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	gc "github.com/go-check/check"
)

func Test(t *testing.T) { gc.TestingT(t) }

type GroupSuite struct{}

var _ = gc.Suite(&GroupSuite{})

func (s *GroupSuite) TestFirstErrorWinsAndCancelsContext(c *gc.C) {
	var g = NewGroup(context.Background())

	var secondStarted = make(chan struct{})
	var secondSawCancel = make(chan struct{})

	g.Queue("first", func() error {
		return fmt.Errorf("boom")
	})
	g.Queue("second", func() error {
		close(secondStarted)
		<-g.Context().Done()
		close(secondSawCancel)
		return nil
	})

	<-secondStarted
	select {
	case <-secondSawCancel:
	case <-time.After(2 * time.Second):
		c.Fatal("second task never observed group cancellation")
	}

	g.Wait()
	c.Check(g.Err(), gc.ErrorMatches, "boom")
}

func (s *GroupSuite) TestSecondErrorDoesNotOverwriteFirst(c *gc.C) {
	var g = NewGroup(context.Background())
	var release = make(chan struct{})

	g.Queue("first", func() error {
		return fmt.Errorf("first failure")
	})
	g.Queue("second", func() error {
		<-release
		return fmt.Errorf("second failure")
	})

	// Give "first" a chance to record its error before releasing "second".
	for g.Err() == nil {
		time.Sleep(time.Millisecond)
	}
	close(release)
	g.Wait()

	c.Check(g.Err(), gc.ErrorMatches, "first failure")
}

func (s *GroupSuite) TestCancelWithoutErrorLeavesErrNil(c *gc.C) {
	var g = NewGroup(context.Background())
	g.Queue("worker", func() error {
		<-g.Context().Done()
		return nil
	})

	g.Cancel()
	g.Wait()
	c.Check(g.Err(), gc.IsNil)
}
