package audio

import (
	"bytes"
	"testing"
)

func TestTransposePlanar16(t *testing.T) {
	t.Parallel()

	t.Run("stereo planes become interleaved pairs", func(t *testing.T) {
		t.Parallel()
		// Left plane: samples 1, 2, 3. Right plane: samples 10, 20, 30.
		planar := Int16sToBytes([]int16{1, 2, 3, 10, 20, 30})
		got := BytesToInt16s(TransposePlanar16(planar, 2))
		want := []int16{1, 10, 2, 20, 3, 30}
		if len(got) != len(want) {
			t.Fatalf("length: got %d, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("sample %d: got %d, want %d", i, got[i], want[i])
			}
		}
	})

	t.Run("mono passes through unchanged", func(t *testing.T) {
		t.Parallel()
		in := Int16sToBytes([]int16{5, 6, 7})
		if got := TransposePlanar16(in, 1); !bytes.Equal(got, in) {
			t.Fatalf("mono should be untouched, got %v", got)
		}
	})
}

func TestFrameInterleave(t *testing.T) {
	t.Parallel()

	t.Run("interleaved frame is zero-copy", func(t *testing.T) {
		t.Parallel()
		data := Int16sToBytes([]int16{1, 10, 2, 20})
		f := Frame{Data: data, SampleRate: 48000, Channels: 2, Layout: Interleaved}
		got := f.Interleave()
		if &got[0] != &data[0] {
			t.Fatal("expected the original slice back for interleaved input")
		}
	})

	t.Run("planar frame is transposed", func(t *testing.T) {
		t.Parallel()
		f := Frame{
			Data:       Int16sToBytes([]int16{1, 2, 10, 20}),
			SampleRate: 48000,
			Channels:   2,
			Layout:     Planar,
		}
		got := BytesToInt16s(f.Interleave())
		want := []int16{1, 10, 2, 20}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("sample %d: got %d, want %d", i, got[i], want[i])
			}
		}
	})

	t.Run("round-trip of interleaved source is byte-identical", func(t *testing.T) {
		t.Parallel()
		src := Int16sToBytes([]int16{-3, 3, -2, 2, -1, 1})
		f := Frame{Data: src, SampleRate: 48000, Channels: 2, Layout: Interleaved}
		if !bytes.Equal(f.Interleave(), src) {
			t.Fatal("interleaved source must pass through byte-identical")
		}
	})
}

func TestInt16ByteConversion(t *testing.T) {
	t.Parallel()

	samples := []int16{0, 1, -1, 32767, -32768}
	round := BytesToInt16s(Int16sToBytes(samples))
	if len(round) != len(samples) {
		t.Fatalf("length: got %d, want %d", len(round), len(samples))
	}
	for i := range samples {
		if round[i] != samples[i] {
			t.Fatalf("sample %d: got %d, want %d", i, round[i], samples[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	t.Run("averages channels", func(t *testing.T) {
		t.Parallel()
		in := Int16sToBytes([]int16{100, 200, -100, -300})
		got := BytesToInt16s(StereoToMono(in))
		want := []int16{150, -200}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("sample %d: got %d, want %d", i, got[i], want[i])
			}
		}
	})

	t.Run("clamps overflow", func(t *testing.T) {
		t.Parallel()
		in := Int16sToBytes([]int16{32767, 32767})
		got := BytesToInt16s(StereoToMono(in))
		if got[0] != 32767 {
			t.Fatalf("got %d, want clamped 32767", got[0])
		}
	})
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()

	in := Int16sToBytes([]int16{7, -7})
	got := BytesToInt16s(MonoToStereo(in))
	want := []int16{7, 7, -7, -7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	t.Run("same rate returns input", func(t *testing.T) {
		t.Parallel()
		in := Int16sToBytes([]int16{1, 2, 3})
		if got := ResampleMono16(in, 16000, 16000); !bytes.Equal(got, in) {
			t.Fatal("same-rate resample should be identity")
		}
	})

	t.Run("halving rate halves sample count", func(t *testing.T) {
		t.Parallel()
		in := make([]byte, 1000*2)
		out := ResampleMono16(in, 48000, 24000)
		if len(out) != 500*2 {
			t.Fatalf("got %d bytes, want %d", len(out), 500*2)
		}
	})

	t.Run("constant signal stays constant", func(t *testing.T) {
		t.Parallel()
		samples := make([]int16, 480)
		for i := range samples {
			samples[i] = 1000
		}
		out := BytesToInt16s(ResampleMono16(Int16sToBytes(samples), 48000, 16000))
		for i, s := range out {
			if s != 1000 {
				t.Fatalf("sample %d: got %d, want 1000", i, s)
			}
		}
	})
}

func TestFormatString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		rate, channels int
		want           string
	}{
		{48000, 2, "48000Hz stereo"},
		{16000, 1, "16000Hz mono"},
		{44100, 6, "44100Hz 6ch"},
	}
	for _, tc := range cases {
		if got := FormatString(tc.rate, tc.channels); got != tc.want {
			t.Errorf("FormatString(%d, %d) = %q, want %q", tc.rate, tc.channels, got, tc.want)
		}
	}
}
