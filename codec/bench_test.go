package codec

import (
	"testing"

	"mini-rpc/message"
)

func benchmarkCodec(b *testing.B, cdc Codec) {
	req, err := message.NewRequest("3f1c6a52-8f0e-4c55-9a55-3d1f3f6b8f20", "Arith", "Add", int64(1), int64(2))
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Encode(req)
		if err != nil {
			b.Fatal(err)
		}
		var out message.Request
		if err := cdc.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, GetCodec(CodecTypeJSON))
}

func BenchmarkCodecBinary(b *testing.B) {
	benchmarkCodec(b, GetCodec(CodecTypeBinary))
}
