package actor

// testMsg is a string-carrying message fixture available to this package's
// tests.
type testMsg struct {
	BaseMessage
	data string
}

func newTestMsg(data string) *testMsg {
	return &testMsg{data: data}
}

func (m *testMsg) MessageType() string {
	return "testMsg"
}
