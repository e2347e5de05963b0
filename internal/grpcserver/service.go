package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "quotagate.governance.v1.GovernanceService"

const (
	methodEstimateCost = "EstimateCost"
	methodCheckQuota   = "CheckQuota"
	methodDeductQuota  = "DeductQuota"
	methodGetWallet    = "GetWallet"
	methodDeduct       = "Deduct"
	methodRefund       = "Refund"
	methodReserve      = "Reserve"
	methodSettle       = "Settle"
	methodRelease      = "Release"
)

// GovernanceService is the server side of the governance API.
type GovernanceService interface {
	EstimateCost(ctx context.Context, request *EstimateCostRequest) (*EstimateCostResponse, error)
	CheckQuota(ctx context.Context, request *CheckQuotaRequest) (*CheckQuotaResponse, error)
	DeductQuota(ctx context.Context, request *DeductQuotaRequest) (*DeductQuotaResponse, error)
	GetWallet(ctx context.Context, request *GetWalletRequest) (*Wallet, error)
	Deduct(ctx context.Context, request *LedgerDeductRequest) (*Receipt, error)
	Refund(ctx context.Context, request *LedgerRefundRequest) (*Receipt, error)
	Reserve(ctx context.Context, request *LedgerReserveRequest) (*Receipt, error)
	Settle(ctx context.Context, request *LedgerSettleRequest) (*Receipt, error)
	Release(ctx context.Context, request *LedgerReleaseRequest) (*Receipt, error)
}

// RegisterGovernanceServer registers service on registrar.
func RegisterGovernanceServer(registrar grpc.ServiceRegistrar, service GovernanceService) {
	registrar.RegisterService(&governanceServiceDesc, service)
}

var governanceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GovernanceService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodEstimateCost, Handler: unaryHandler(methodEstimateCost, GovernanceService.EstimateCost)},
		{MethodName: methodCheckQuota, Handler: unaryHandler(methodCheckQuota, GovernanceService.CheckQuota)},
		{MethodName: methodDeductQuota, Handler: unaryHandler(methodDeductQuota, GovernanceService.DeductQuota)},
		{MethodName: methodGetWallet, Handler: unaryHandler(methodGetWallet, GovernanceService.GetWallet)},
		{MethodName: methodDeduct, Handler: unaryHandler(methodDeduct, GovernanceService.Deduct)},
		{MethodName: methodRefund, Handler: unaryHandler(methodRefund, GovernanceService.Refund)},
		{MethodName: methodReserve, Handler: unaryHandler(methodReserve, GovernanceService.Reserve)},
		{MethodName: methodSettle, Handler: unaryHandler(methodSettle, GovernanceService.Settle)},
		{MethodName: methodRelease, Handler: unaryHandler(methodRelease, GovernanceService.Release)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quotagate/governance/v1/governance.json",
}

type grpcMethodHandler = func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error)

func unaryHandler[Request any, Response any](method string, call func(GovernanceService, context.Context, *Request) (*Response, error)) grpcMethodHandler {
	fullMethod := fullMethodName(method)
	return func(service any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(Request)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(service.(GovernanceService), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: service, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(service.(GovernanceService), ctx, req.(*Request))
		}
		return interceptor(ctx, request, info, handler)
	}
}

func fullMethodName(method string) string {
	return "/" + ServiceName + "/" + method
}

// GovernanceClient calls a remote GovernanceService.
type GovernanceClient struct {
	conn grpc.ClientConnInterface
}

// NewGovernanceClient wraps conn. The connection must carry ClientCodecOption.
func NewGovernanceClient(conn grpc.ClientConnInterface) *GovernanceClient {
	return &GovernanceClient{conn: conn}
}

func (client *GovernanceClient) EstimateCost(ctx context.Context, request *EstimateCostRequest, options ...grpc.CallOption) (*EstimateCostResponse, error) {
	return invoke[EstimateCostResponse](ctx, client.conn, methodEstimateCost, request, options)
}

func (client *GovernanceClient) CheckQuota(ctx context.Context, request *CheckQuotaRequest, options ...grpc.CallOption) (*CheckQuotaResponse, error) {
	return invoke[CheckQuotaResponse](ctx, client.conn, methodCheckQuota, request, options)
}

func (client *GovernanceClient) DeductQuota(ctx context.Context, request *DeductQuotaRequest, options ...grpc.CallOption) (*DeductQuotaResponse, error) {
	return invoke[DeductQuotaResponse](ctx, client.conn, methodDeductQuota, request, options)
}

func (client *GovernanceClient) GetWallet(ctx context.Context, request *GetWalletRequest, options ...grpc.CallOption) (*Wallet, error) {
	return invoke[Wallet](ctx, client.conn, methodGetWallet, request, options)
}

func (client *GovernanceClient) Deduct(ctx context.Context, request *LedgerDeductRequest, options ...grpc.CallOption) (*Receipt, error) {
	return invoke[Receipt](ctx, client.conn, methodDeduct, request, options)
}

func (client *GovernanceClient) Refund(ctx context.Context, request *LedgerRefundRequest, options ...grpc.CallOption) (*Receipt, error) {
	return invoke[Receipt](ctx, client.conn, methodRefund, request, options)
}

func (client *GovernanceClient) Reserve(ctx context.Context, request *LedgerReserveRequest, options ...grpc.CallOption) (*Receipt, error) {
	return invoke[Receipt](ctx, client.conn, methodReserve, request, options)
}

func (client *GovernanceClient) Settle(ctx context.Context, request *LedgerSettleRequest, options ...grpc.CallOption) (*Receipt, error) {
	return invoke[Receipt](ctx, client.conn, methodSettle, request, options)
}

func (client *GovernanceClient) Release(ctx context.Context, request *LedgerReleaseRequest, options ...grpc.CallOption) (*Receipt, error) {
	return invoke[Receipt](ctx, client.conn, methodRelease, request, options)
}

func invoke[Response any](ctx context.Context, conn grpc.ClientConnInterface, method string, request any, options []grpc.CallOption) (*Response, error) {
	response := new(Response)
	if err := conn.Invoke(ctx, fullMethodName(method), request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}
