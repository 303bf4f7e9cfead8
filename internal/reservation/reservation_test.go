package reservation

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
)

func TestBusNameAndObjectPath(t *testing.T) {
	require.Equal(t, "org.freedesktop.ReserveDevice1.Audio0", busName("Audio0"))
	require.Equal(t, dbus.ObjectPath("/org/freedesktop/ReserveDevice1/Audio0"), objectPath("Audio0"))
}

func TestPropsGetterGetAll(t *testing.T) {
	p := propsGetter{"ApplicationName": dbus.MakeVariant("tsched-sink")}
	all, derr := p.GetAll(interfaceName)
	require.Nil(t, derr)
	require.Equal(t, "tsched-sink", all["ApplicationName"].Value())
}

func TestPropsGetterGetUnknownProperty(t *testing.T) {
	p := propsGetter{}
	_, derr := p.Get(interfaceName, "Nope")
	require.NotNil(t, derr)
}

func TestHandleReleaseIsIdempotentOnZeroValue(t *testing.T) {
	h := &Handle{}
	require.False(t, h.Held())
	require.NoError(t, h.Release()) // held=false short-circuits before touching conn
}
