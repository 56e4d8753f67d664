package audio

import (
	"math"
	"testing"
)

func TestResample_SameRate(t *testing.T) {
	input := []float32{0.1, 0.2, 0.3, 0.4, 0.5}
	output := Resample(input, 16000, 16000)
	if len(output) != len(input) {
		t.Errorf("expected same length %d, got %d", len(input), len(output))
	}
	for i := range input {
		if output[i] != input[i] {
			t.Errorf("sample %d: expected %f, got %f", i, input[i], output[i])
		}
	}
}

func TestResample_Upsample(t *testing.T) {
	input := []float32{0.0, 1.0}
	output := Resample(input, 8000, 16000)
	if len(output) != 4 {
		t.Errorf("expected length 4, got %d", len(output))
	}
	if math.Abs(float64(output[0])) > 0.01 {
		t.Errorf("first sample should be ~0, got %f", output[0])
	}
	if math.Abs(float64(output[len(output)-1]-1.0)) > 0.01 {
		t.Errorf("last sample should be ~1, got %f", output[len(output)-1])
	}
}

func TestResample_Downsample(t *testing.T) {
	input := []float32{0.0, 0.25, 0.5, 0.75, 1.0}
	output := Resample(input, 20000, 10000)
	if len(output) != 3 {
		t.Errorf("expected length 3, got %d", len(output))
	}
}

func TestResample_EmptyInput(t *testing.T) {
	output := Resample([]float32{}, 16000, 8000)
	if len(output) != 0 {
		t.Errorf("expected empty output, got length %d", len(output))
	}
}

func TestFloat32ToInt16_Extremes(t *testing.T) {
	result := Float32ToInt16([]float32{1.0, -1.0, 0.0})
	if result[0] != 32767 {
		t.Errorf("1.0: expected 32767, got %d", result[0])
	}
	if result[1] != -32768 {
		t.Errorf("-1.0: expected -32768, got %d", result[1])
	}
	if result[2] != 0 {
		t.Errorf("0.0: expected 0, got %d", result[2])
	}
}

func TestFloat32ToInt16_Truncates(t *testing.T) {
	result := Float32ToInt16([]float32{0.5, -0.5})
	if result[0] != 16383 {
		t.Errorf("0.5: expected 16383 (truncated), got %d", result[0])
	}
	if result[1] != -16384 {
		t.Errorf("-0.5: expected -16384, got %d", result[1])
	}
}

func TestFloat32ToInt16_Clipping(t *testing.T) {
	result := Float32ToInt16([]float32{2.0, -2.0, 1.5, -1.5})
	if result[0] != 32767 {
		t.Errorf("2.0: should clip to 32767, got %d", result[0])
	}
	if result[1] != -32768 {
		t.Errorf("-2.0: should clip to -32768, got %d", result[1])
	}
	if result[2] != 32767 {
		t.Errorf("1.5: should clip to 32767, got %d", result[2])
	}
	if result[3] != -32768 {
		t.Errorf("-1.5: should clip to -32768, got %d", result[3])
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	pcm := []int16{0, 1, -1, 1000, -1000, 32767, -32768}
	recovered := Decode(Encode(pcm))
	if len(recovered) != len(pcm) {
		t.Fatalf("expected %d samples, got %d", len(pcm), len(recovered))
	}
	for i := range pcm {
		if recovered[i] != pcm[i] {
			t.Errorf("sample %d: expected %d, got %d", i, pcm[i], recovered[i])
		}
	}
}

func TestEncode_LittleEndian(t *testing.T) {
	data := Encode([]int16{0x0102})
	if data[0] != 0x02 || data[1] != 0x01 {
		t.Errorf("expected little-endian layout [02 01], got [%02x %02x]", data[0], data[1])
	}
}

func TestBase64_RoundTrip(t *testing.T) {
	pcm := []int16{0, 500, -500, 32767, -32768}
	encoded := EncodeToBase64(pcm)
	recovered, err := DecodeFromBase64(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	for i := range pcm {
		if recovered[i] != pcm[i] {
			t.Errorf("sample %d: expected %d, got %d", i, pcm[i], recovered[i])
		}
	}
}

func TestDecodeFromBase64_Invalid(t *testing.T) {
	if _, err := DecodeFromBase64("!!!not base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestResampleInt16_Upsample(t *testing.T) {
	input := []int16{0, 16384, 32767}
	output := ResampleInt16(input, 8000, 16000)
	if len(output) != 6 {
		t.Errorf("expected length 6, got %d", len(output))
	}
}
