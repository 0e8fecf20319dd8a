package payload

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elfcore-go/ecore/internal/layout"
	"github.com/elfcore-go/ecore/internal/notes"
	"github.com/elfcore-go/ecore/internal/procfs"
)

func TestEncodePrStatusLeaderFirst(t *testing.T) {
	threads := []notes.ThreadState{
		{Raw: []byte("leader")},
		{Raw: []byte("other")},
	}
	got := encodePrStatus(threads)
	require.Equal(t, []byte("leaderother"), got)
}

func TestEncodeFdInfoRoundTripsFields(t *testing.T) {
	fds := []procfs.FdInfo{
		{Fd: 3, Target: "/etc/hosts"},
		{Fd: 4, IsSocket: true, Socket: procfs.SocketTuple{
			SrcIP: "127.0.0.1", SrcPort: 1234, DstIP: "10.0.0.1", DstPort: 443, Protocol: procfs.ProtoTCP,
		}},
	}
	got := encodeFdInfo(fds)
	require.Len(t, got, 2*fdRecordSize)

	second := got[fdRecordSize:]
	require.EqualValues(t, 1, second[4])
	require.EqualValues(t, procfs.ProtoTCP, second[5])
}

func TestEncodePersonality(t *testing.T) {
	got := encodePersonality(layout.PersonalityStatic | layout.PersonalityStripped)
	require.Equal(t, []byte{0x09, 0, 0, 0}, got)
}

func TestFixedOrZero(t *testing.T) {
	require.Len(t, fixedOrZero(nil, notes.SiginfoSize), notes.SiginfoSize)
	exact := make([]byte, notes.SiginfoSize)
	require.Same(t, &exact[0], &fixedOrZero(exact, notes.SiginfoSize)[0])
}
