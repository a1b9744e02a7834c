package presence_test

import (
	"fmt"
	"testing"

	"github.com/rechain/presence/internal/presence"
)

// BenchmarkJoin benchmarks solo Join throughput.
func BenchmarkJoin(b *testing.B) {
	s := presence.New("bench-node")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Join("owner", "topic", presence.Key(fmt.Sprintf("key-%d", i)), nil)
	}
}

// BenchmarkLeave benchmarks Leave against a pre-populated state.
func BenchmarkLeave(b *testing.B) {
	s := presence.New("bench-node")
	keys := make([]presence.Key, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = presence.Key(fmt.Sprintf("key-%d", i))
		s.Join("owner", "topic", keys[i], nil)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Leave("owner", "topic", keys[i])
	}
}

// BenchmarkMerge benchmarks full-state merge at a few population sizes.
func BenchmarkMerge(b *testing.B) {
	for _, n := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("elements-%d", n), func(b *testing.B) {
			remote := presence.New("remote")
			for i := 0; i < n; i++ {
				remote.Join("owner", "topic", presence.Key(fmt.Sprintf("key-%d", i)), nil)
			}
			snap, values := remote.Extract()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				local := presence.New("local")
				local.Merge(snap, values)
			}
		})
	}
}

// BenchmarkMergeDelta benchmarks delta→full merge at a few delta sizes.
func BenchmarkMergeDelta(b *testing.B) {
	for _, n := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("elements-%d", n), func(b *testing.B) {
			remote := presence.New("remote")
			for i := 0; i < n; i++ {
				remote.Join("owner", "topic", presence.Key(fmt.Sprintf("key-%d", i)), nil)
			}
			d := remote.Delta()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				local := presence.New("local")
				local.MergeDelta(d)
			}
		})
	}
}

// BenchmarkOnlineList benchmarks the online_list query at a few sizes.
func BenchmarkOnlineList(b *testing.B) {
	for _, n := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("elements-%d", n), func(b *testing.B) {
			s := presence.New("bench-node")
			for i := 0; i < n; i++ {
				s.Join("owner", "topic", presence.Key(fmt.Sprintf("key-%d", i)), nil)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				s.OnlineList()
			}
		})
	}
}

// BenchmarkCompact benchmarks cloud compaction against a fully
// contiguous run, the common case after a batch of local joins.
func BenchmarkCompact(b *testing.B) {
	for _, n := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("tags-%d", n), func(b *testing.B) {
			cloud := presence.NewCloud()
			for i := 1; i <= n; i++ {
				cloud.Add(presence.Tag{Replica: "r1", Clock: presence.Clock(i)})
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				presence.Compact(presence.Context{}, cloud.Clone())
			}
		})
	}
}
