// Package schema validates JSON request bodies against per-operation schemas.
//
// A MessageValidator is an interceptors.MessageValidator, so it plugs into a
// ValidationInterceptor:
//
//	validator := schema.NewMessageValidator()
//	if err := validator.RegisterFile("schemas.yaml"); err != nil {
//		return err
//	}
//	svc.AddIn(interceptors.NewValidationInterceptor(validator))
//
// The schema file maps operation names to schemas:
//
//	createOrder:
//	  type: object
//	  required: [id, total]
//	  properties:
//	    id: {type: string, format: uuid}
//	    total: {type: number, minimum: 0}
//
// Supported keywords are type, required, properties, items, enum, pattern,
// minLength, maxLength, minimum, maximum and the formats email, uri, uuid,
// date and date-time.
package schema
