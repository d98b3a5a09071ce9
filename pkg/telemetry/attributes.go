package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Стандартные ключи атрибутов
const (
	// Плагин
	AttrPluginName     = "plugin.name"
	AttrPluginPriority = "plugin.priority"

	// Адаптер
	AttrAdapterType = "adapter.type"
	AttrAdapterID   = "adapter.connection_id"

	// Сессия
	AttrSessionID     = "session.id"
	AttrSessionClient = "session.client_id"

	// Планировщик
	AttrTaskID     = "scheduler.task_id"
	AttrTaskType   = "scheduler.task_type"
	AttrCronExpr   = "scheduler.cron_expression"
	AttrExecutionID = "scheduler.execution_id"

	// Валидация
	AttrValidationLevel  = "validation.level"
	AttrValidationErrors = "validation.errors"
	AttrValidationPassed = "validation.passed"
)

// PluginAttributes возвращает атрибуты плагина пайплайна.
func PluginAttributes(name string, priority int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrPluginName, name),
		attribute.Int(AttrPluginPriority, priority),
	}
}

// AdapterAttributes возвращает атрибуты протокольного адаптера.
func AdapterAttributes(adapterType, connectionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrAdapterType, adapterType),
		attribute.String(AttrAdapterID, connectionID),
	}
}

// SessionAttributes возвращает атрибуты шифрованной сессии.
func SessionAttributes(sessionID, clientID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrSessionClient, clientID),
	}
}

// TaskAttributes возвращает атрибуты выполнения задачи планировщика.
func TaskAttributes(taskID, taskType, cronExpr string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrTaskType, taskType),
		attribute.String(AttrCronExpr, cronExpr),
	}
}

// ValidationAttributes возвращает атрибуты валидации
func ValidationAttributes(level string, errorsCount int, passed bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrValidationLevel, level),
		attribute.Int(AttrValidationErrors, errorsCount),
		attribute.Bool(AttrValidationPassed, passed),
	}
}
