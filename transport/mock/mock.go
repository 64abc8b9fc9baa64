package mock

import (
	"cs426.yale.edu/optcast/transport"
	"github.com/stretchr/testify/mock"
)

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Init() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTransport) Devices() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockTransport) GetProperties(dev int) (transport.Properties, error) {
	args := m.Called(dev)
	return args.Get(0).(transport.Properties), args.Error(1)
}

func (m *MockTransport) Listen(dev int) (transport.Handle, transport.ListenComm, error) {
	args := m.Called(dev)
	var handle transport.Handle
	if res := args.Get(0); res != nil {
		handle = res.(transport.Handle)
	}
	return handle, args.Get(1), args.Error(2)
}

func (m *MockTransport) Connect(dev int, handle transport.Handle) (transport.SendComm, error) {
	args := m.Called(dev, handle)
	return args.Get(0), args.Error(1)
}

func (m *MockTransport) Accept(listenComm transport.ListenComm) (transport.RecvComm, error) {
	args := m.Called(listenComm)
	return args.Get(0), args.Error(1)
}

func (m *MockTransport) Isend(sendComm transport.SendComm, data []byte, tag int, mhandle transport.MemHandle) (transport.Request, error) {
	args := m.Called(sendComm, data, tag, mhandle)
	return args.Get(0), args.Error(1)
}

func (m *MockTransport) Irecv(recvComm transport.RecvComm, data [][]byte, tags []int, mhandles []transport.MemHandle) (transport.Request, error) {
	args := m.Called(recvComm, data, tags, mhandles)
	return args.Get(0), args.Error(1)
}

func (m *MockTransport) Iflush(recvComm transport.RecvComm, data [][]byte, mhandles []transport.MemHandle) (transport.Request, error) {
	args := m.Called(recvComm, data, mhandles)
	return args.Get(0), args.Error(1)
}

func (m *MockTransport) Test(req transport.Request) (bool, int, error) {
	args := m.Called(req)
	return args.Bool(0), args.Int(1), args.Error(2)
}

func (m *MockTransport) RegMr(comm interface{}, data []byte, ptrType transport.PtrType) (transport.MemHandle, error) {
	args := m.Called(comm, data, ptrType)
	return args.Get(0), args.Error(1)
}

func (m *MockTransport) DeregMr(comm interface{}, mhandle transport.MemHandle) error {
	args := m.Called(comm, mhandle)
	return args.Error(0)
}

func (m *MockTransport) CloseSend(sendComm transport.SendComm) error {
	args := m.Called(sendComm)
	return args.Error(0)
}

func (m *MockTransport) CloseRecv(recvComm transport.RecvComm) error {
	args := m.Called(recvComm)
	return args.Error(0)
}

func (m *MockTransport) CloseListen(listenComm transport.ListenComm) error {
	args := m.Called(listenComm)
	return args.Error(0)
}
