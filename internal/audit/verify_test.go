package audit

import (
	"bytes"
	"strings"
	"testing"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(r Report) []FindingKind {
	var out []FindingKind
	for _, f := range r.Findings {
		out = append(out, f.Kind)
	}
	return out
}

func TestVerifyIntactChain(t *testing.T) {
	receipts := sampleReceipts(t)
	rep := Verify(receipts)
	assert.True(t, rep.OK)
	assert.Equal(t, -1, rep.FirstBreak)
	assert.Equal(t, 5, rep.Total)
	assert.Equal(t, receipts[4].ReceiptHash, rep.Tip)
	assert.Empty(t, rep.Findings)
}

func TestVerifyEmptyChain(t *testing.T) {
	rep := Verify(nil)
	assert.True(t, rep.OK)
	assert.Equal(t, digest.Zero, rep.Tip)
}

func TestVerifyBadSentinelWithConsistentLinks(t *testing.T) {
	receipts := sampleReceipts(t)

	// Цепочка пересобрана от ненулевого начала: все связи согласованы.
	prev := strings.Repeat("1", 64)
	for i := range receipts {
		receipts[i].PrevHash = prev
		receipts[i].ReceiptHash = receipts[i].ComputeHash()
		prev = receipts[i].ReceiptHash
	}

	rep := Verify(receipts)
	assert.False(t, rep.OK)
	assert.Equal(t, 0, rep.FirstBreak)
	assert.Equal(t, []FindingKind{FindingSentinel}, kinds(rep))
}

func TestVerifyDetectsFlippedByteAtOrAfterIndex(t *testing.T) {
	data, err := MarshalJSONL(sampleReceipts(t))
	require.NoError(t, err)
	lines := bytes.SplitAfter(data, []byte("\n"))

	for idx := range lines[:len(lines)-1] {
		line := lines[idx]
		for _, field := range []string{`"event_hash":"`, `"prev_hash":"`, `"receipt_hash":"`, `"trace_id":"`} {
			pos := bytes.Index(line, []byte(field)) + len(field)
			tampered := make([]byte, 0, len(data))
			for j, l := range lines {
				if j != idx {
					tampered = append(tampered, l...)
					continue
				}
				c := append([]byte(nil), l...)
				if c[pos] == 'a' {
					c[pos] = 'b'
				} else {
					c[pos] = 'a'
				}
				tampered = append(tampered, c...)
			}

			rep, err := VerifyStream(bytes.NewReader(tampered))
			require.NoError(t, err)
			assert.False(t, rep.OK, "line %d field %s", idx, field)
			assert.GreaterOrEqual(t, rep.FirstBreak, idx, "line %d field %s", idx, field)
		}
	}
}

func TestVerifyDetectsKeyCaseFlip(t *testing.T) {
	data, err := MarshalJSONL(sampleReceipts(t))
	require.NoError(t, err)
	lines := bytes.SplitAfter(data, []byte("\n"))

	for _, key := range []string{"trace_id", "seq", "event_type", "event_hash", "prev_hash", "receipt_hash"} {
		t.Run(key, func(t *testing.T) {
			flipped := `"` + strings.ToUpper(key[:1]) + key[1:] + `"`
			tampered := bytes.Join([][]byte{
				lines[0],
				bytes.Replace(lines[1], []byte(`"`+key+`"`), []byte(flipped), 1),
				bytes.Join(lines[2:], nil),
			}, nil)
			require.NotEqual(t, data, tampered)

			rep, err := VerifyStream(bytes.NewReader(tampered))
			require.NoError(t, err)
			assert.False(t, rep.OK)
			assert.Equal(t, 1, rep.FirstBreak)
			assert.Equal(t, []FindingKind{FindingEncoding}, kinds(rep))

			_, err = ReadJSONL(bytes.NewReader(tampered))
			assert.ErrorIs(t, err, ErrNonCanonical)
		})
	}
}

func TestVerifyDetectsEverySingleByteFlip(t *testing.T) {
	data, err := MarshalJSONL(sampleReceipts(t))
	require.NoError(t, err)

	line := 0
	for pos := range data {
		tampered := append([]byte(nil), data...)
		tampered[pos] ^= 0x20

		rep, err := VerifyStream(bytes.NewReader(tampered))
		require.NoError(t, err)
		require.False(t, rep.OK, "byte %d (%q)", pos, data[pos])
		require.Equal(t, line, rep.FirstBreak, "byte %d (%q)", pos, data[pos])

		if data[pos] == '\n' {
			line++
		}
	}
}

func TestVerifyStreamRejectsReformattedLine(t *testing.T) {
	data, err := MarshalJSONL(sampleReceipts(t)[:1])
	require.NoError(t, err)

	for name, line := range map[string]string{
		"crlf":       strings.TrimSuffix(string(data), "\n") + "\r\n",
		"whitespace": strings.Replace(string(data), `":`, `": `, 1),
	} {
		rep, err := VerifyStream(strings.NewReader(line))
		require.NoError(t, err, name)
		assert.Equal(t, []FindingKind{FindingEncoding}, kinds(rep), name)
	}
}

func TestVerifyReportsEveryBreak(t *testing.T) {
	receipts := sampleReceipts(t)
	receipts[1].Seq = 99
	receipts[3].EventHash = "XYZ"

	rep := Verify(receipts)
	assert.False(t, rep.OK)
	assert.Equal(t, 1, rep.FirstBreak)

	var indexes []int
	for _, f := range rep.Findings {
		indexes = append(indexes, f.Index)
	}
	assert.Contains(t, indexes, 1)
	assert.Contains(t, indexes, 3)
	assert.Contains(t, kinds(rep), FindingDigest)
	assert.Contains(t, kinds(rep), FindingFormat)
}

func TestVerifyStreamUndecodableLine(t *testing.T) {
	data, err := MarshalJSONL(sampleReceipts(t))
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	lines[2] = "garbage\n"

	rep, err := VerifyStream(strings.NewReader(strings.Join(lines, "")))
	require.NoError(t, err)
	assert.False(t, rep.OK)
	assert.Equal(t, 2, rep.FirstBreak)
	assert.Equal(t, []FindingKind{FindingDecode}, kinds(rep))
	assert.Equal(t, 5, rep.Total)
}

func TestVerifyStreamRejectsUnknownFields(t *testing.T) {
	rep, err := VerifyStream(strings.NewReader(`{"trace_id":"t","extra":1}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, []FindingKind{FindingDecode}, kinds(rep))
}

func TestReadJSONLRoundTrip(t *testing.T) {
	receipts := sampleReceipts(t)
	data, err := MarshalJSONL(receipts)
	require.NoError(t, err)

	back, err := ReadJSONL(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, receipts, back)

	_, err = ReadJSONL(strings.NewReader("{}\nnope\n"))
	assert.Error(t, err)
}
