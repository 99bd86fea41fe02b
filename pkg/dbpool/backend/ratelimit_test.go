package backend

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuthLimiter(t *testing.T) {
	al := NewAuthLimiter(5, 5*time.Minute)
	defer al.Close()

	require.NotNil(t, al)
	assert.Equal(t, 5, al.maxFailures)
	assert.Equal(t, 5*time.Minute, al.blockDuration)
	assert.NotNil(t, al.hosts)
}

func TestRecordFailure(t *testing.T) {
	al := NewAuthLimiter(3, 5*time.Minute)
	defer al.Close()

	host := "192.168.1.1"

	assert.False(t, al.RecordFailure(host), "first failure should not block")
	assert.False(t, al.RecordFailure(host), "second failure should not block")
	assert.True(t, al.RecordFailure(host), "third failure should block")

	assert.Equal(t, 3, al.Failures(host))
	assert.True(t, al.IsBlocked(host))
}

func TestIsBlocked_Expires(t *testing.T) {
	al := NewAuthLimiter(2, 100*time.Millisecond)
	defer al.Close()

	host := "192.168.1.1"
	assert.False(t, al.IsBlocked(host))

	al.RecordFailure(host)
	al.RecordFailure(host)
	assert.True(t, al.IsBlocked(host))

	time.Sleep(150 * time.Millisecond)
	assert.False(t, al.IsBlocked(host))
}

func TestFailuresAreForgivenOverTime(t *testing.T) {
	// One token comes back every 50ms; spacing failures out never blocks
	al := NewAuthLimiter(2, 50*time.Millisecond)
	defer al.Close()

	host := "10.0.0.7"
	for i := 0; i < 4; i++ {
		assert.False(t, al.RecordFailure(host), "failure %d", i+1)
		time.Sleep(60 * time.Millisecond)
	}
}

func TestReset(t *testing.T) {
	al := NewAuthLimiter(2, 5*time.Minute)
	defer al.Close()

	host := "192.168.1.1"
	al.RecordFailure(host)
	al.RecordFailure(host)
	require.True(t, al.IsBlocked(host))

	al.Reset(host)
	assert.False(t, al.IsBlocked(host))
	assert.Zero(t, al.Failures(host))
}

func TestHostsAreIndependent(t *testing.T) {
	al := NewAuthLimiter(1, 5*time.Minute)
	defer al.Close()

	assert.True(t, al.RecordFailure("10.0.0.1"))
	assert.True(t, al.IsBlocked("10.0.0.1"))
	assert.False(t, al.IsBlocked("10.0.0.2"))
}

func TestCleanup(t *testing.T) {
	al := NewAuthLimiter(3, 10*time.Millisecond)
	defer al.Close()

	al.RecordFailure("10.0.0.1")
	al.cleanup(time.Now().Add(time.Second))

	assert.Zero(t, al.Failures("10.0.0.1"))
}

func TestAuthLimiterConcurrent(t *testing.T) {
	al := NewAuthLimiter(1000, time.Minute)
	defer al.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			host := fmt.Sprintf("10.0.0.%d", i)
			for j := 0; j < 50; j++ {
				al.RecordFailure(host)
				al.IsBlocked(host)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, al.Failures("10.0.0.3"))
}

func TestAuthLimiterClose_Idempotent(t *testing.T) {
	al := NewAuthLimiter(3, time.Minute)
	al.Close()
	assert.NotPanics(t, al.Close)
}
