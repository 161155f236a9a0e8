package sessionbilling

import (
	"github.com/smallbiznis/sessionbill/internal/sessionbilling/repository"
	"github.com/smallbiznis/sessionbill/internal/sessionbilling/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sessionbilling.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
