package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// ScoreMethod is the worker's full gRPC method name. Request and reply are
// google.protobuf.Struct, so no generated stubs are needed on either side.
const ScoreMethod = "/scorer.v1.Scorer/Score"

// GRPCScorer asks a remote ML worker to score signals.
type GRPCScorer struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewGRPCScorer connects lazily; the first Score call dials.
func NewGRPCScorer(addr string, opts ...grpc.DialOption) (*GRPCScorer, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &GRPCScorer{conn: conn, timeout: 2 * time.Second}, nil
}

func (g *GRPCScorer) Close() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

type scoreReply struct {
	Score      float64 `mapstructure:"score"`
	Confidence float64 `mapstructure:"confidence"`
	Leverage   int     `mapstructure:"leverage"`
}

func (g *GRPCScorer) Score(ctx context.Context, s Signal) (Signal, error) {
	features := Features(s)
	vals := make([]any, len(features))
	for i, f := range features {
		vals[i] = float64(f)
	}
	req, err := structpb.NewStruct(map[string]any{
		"symbol":   s.Symbol,
		"side":     s.Side,
		"strategy": s.Strategy,
		"features": vals,
	})
	if err != nil {
		return s, fmt.Errorf("encode score request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ScoreMethod, req, resp); err != nil {
		return s, err
	}

	var reply scoreReply
	if err := mapstructure.WeakDecode(resp.AsMap(), &reply); err != nil {
		return s, fmt.Errorf("decode score reply: %w", err)
	}
	if reply.Score < 0 || reply.Score > 100 {
		return s, fmt.Errorf("score %.2f out of range", reply.Score)
	}
	s.Score = round2(reply.Score)
	s.Confidence = reply.Confidence
	if s.Confidence <= 0 {
		s.Confidence = s.Score
	}
	if reply.Leverage > 0 {
		s.Leverage = reply.Leverage
	}
	return s, nil
}
