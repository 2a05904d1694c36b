package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a thin typed wrapper over a SafetyFilter connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// ChooseU sends a batch of states with nominal joint action indices and returns the filtered indices.
func (c *Client) ChooseU(ctx context.Context, states [][]float64, nominal []int, opts ...grpc.CallOption) ([]int, error) {
	req, err := EncodeStates(states, nominal)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodChooseU, req, out, opts...); err != nil {
		return nil, err
	}
	return DecodeActions(out)
}

// CalcH returns the barrier value of each state row.
func (c *Client) CalcH(ctx context.Context, states [][]float64, opts ...grpc.CallOption) ([]float64, error) {
	req, err := EncodeStates(states, nil)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodCalcH, req, out, opts...); err != nil {
		return nil, err
	}
	return DecodeH(out)
}

// Describe fetches the filter description.
func (c *Client) Describe(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodDescribe, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
